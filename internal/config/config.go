package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	Driver     string // postgres, sqlite or memory
	User       string
	Pass       string
	Host       string
	Port       string
	Name       string
	SQLitePath string
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	NsqdHTTPAddr   string // e.g. nsqd:4151, polled for backlog stats
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	EventsTopic    string // NSQ topic carrying fan-out triggers
	WorkerChannel  string // NSQ channel name for fan-out workers
}

type Delivery struct {
	Timeout      time.Duration // Hard ceiling per dispatch
	Hardened     bool          // Reject plaintext http destinations
	PinHTTPS     bool          // Dial the validated address for https too
	HeaderPrefix string        // e.g. X-Harborguard
	Allow        []string      // CIDRs exempt from the private-range checks
}

type Auth struct {
	PublicKeyPEM string
	Issuer       string
	Audience     string
}

type Inbound struct {
	Secret          string // Shared secret for inbound partner webhooks
	SignatureHeader string
}

type Config struct {
	AppName  string
	HTTPAddr string // :8080
	LogLevel string
	OTel     bool
	DB       DB
	NSQ      NSQ
	Delivery Delivery
	Auth     Auth
	Inbound  Inbound
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

func getenvList(key string) []string {
	var out []string
	for _, p := range strings.Split(os.Getenv(key), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func FromEnv() Config {
	prefix := strings.TrimSuffix(getenv("WEBHOOK_HEADER_PREFIX", "X-Harborguard"), "-")
	return Config{
		AppName:  getenv("APP_NAME", "harborguard"),
		HTTPAddr: getenv("HTTP_ADDR", ":8080"),
		LogLevel: getenv("LOG_LEVEL", "info"),
		OTel:     getenvBool("OTEL_ENABLED", false),
		DB: DB{
			Driver:     strings.ToLower(getenv("DB_DRIVER", "postgres")),
			User:       getenv("DB_USER", "postgres"),
			Pass:       getenv("DB_PASS", "postgres"),
			Host:       getenv("DB_HOST", "postgres"),
			Port:       strconv.Itoa(getenvInt("DB_PORT", 5432)),
			Name:       getenv("DB_NAME", "harborguard"),
			SQLitePath: getenv("SQLITE_PATH", "data/harborguard.db"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", ""),
			NsqdHTTPAddr:   getenv("NSQD_HTTP_ADDR", ""),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", ""),
			EventsTopic:    getenv("NSQ_EVENTS_TOPIC", "events"),
			WorkerChannel:  getenv("NSQ_WORKER_CHANNEL", "fanout"),
		},
		Delivery: Delivery{
			Timeout:      getenvDuration("DELIVERY_TIMEOUT", 10*time.Second),
			Hardened:     getenvBool("DELIVERY_HARDENED", false),
			PinHTTPS:     getenvBool("DELIVERY_PIN_HTTPS", true),
			HeaderPrefix: prefix,
			Allow:        getenvList("DELIVERY_ALLOW_CIDRS"),
		},
		Auth: Auth{
			PublicKeyPEM: getenv("JWT_PUBLIC_KEY_PEM", ""),
			Issuer:       getenv("JWT_ISSUER", "harborguard"),
			Audience:     getenv("JWT_AUDIENCE", "harborguard-api"),
		},
		Inbound: Inbound{
			Secret:          getenv("INBOUND_WEBHOOK_SECRET", ""),
			SignatureHeader: prefix + "-Signature-256",
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}

// NSQEnabled reports whether fan-out triggers should travel through NSQ.
func (c Config) NSQEnabled() bool {
	return c.NSQ.NsqdTCPAddr != ""
}
