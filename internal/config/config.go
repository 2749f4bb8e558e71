// Package config loads server configuration from config.json next to the
// binary, with environment overrides. Secrets (JWT signing key, VAPID key
// pair) never live in config.json; they come from the environment or the
// keys directory and are generated on first boot.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	webpush "github.com/SherClockHolmes/webpush-go"
)

type Config struct {
	HTTPPort     string `json:"http_port"`
	DBPath       string `json:"db_path"`
	TURNPort     int    `json:"turn_port"`
	TURNRealm    string `json:"turn_realm"`
	TURNPublicIP string `json:"turn_public_ip"`

	JWTSecret string    `json:"-"`
	VAPID     VAPIDKeys `json:"-"`
}

type VAPIDKeys struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

// Load reads config.json if present, fills defaults from the environment,
// and resolves secrets.
func Load(log *slog.Logger) (*Config, error) {
	cfg := &Config{}

	path := configPath()
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		log.Info("configuration loaded", "path", path)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if cfg.HTTPPort == "" {
		cfg.HTTPPort = getEnv("HTTP_PORT", "8080")
	}
	if cfg.DBPath == "" {
		cfg.DBPath = getEnv("DB_PATH", "chatline.db")
	}
	if cfg.TURNPort == 0 {
		cfg.TURNPort = getEnvInt("TURN_PORT", 3478)
	}
	if cfg.TURNRealm == "" {
		cfg.TURNRealm = getEnv("TURN_REALM", "chatline")
	}
	if cfg.TURNPublicIP == "" {
		cfg.TURNPublicIP = os.Getenv("TURN_PUBLIC_IP")
	}

	cfg.JWTSecret = loadOrGenerateJWTSecret(log)

	vapid, err := loadOrGenerateVAPIDKeys(log)
	if err != nil {
		return nil, err
	}
	cfg.VAPID = vapid

	return cfg, nil
}

func configPath() string {
	if path := os.Getenv("CHATLINE_CONFIG"); path != "" {
		return path
	}
	execPath, err := os.Executable()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(filepath.Dir(execPath), "config.json")
}

func keysDirectory() string {
	execPath, err := os.Executable()
	if err != nil {
		return "keys"
	}
	return filepath.Join(filepath.Dir(execPath), "keys")
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func loadOrGenerateJWTSecret(log *slog.Logger) string {
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		return secret
	}

	keysDir := keysDirectory()
	secretFile := filepath.Join(keysDir, "jwt-secret.key")
	if data, err := os.ReadFile(secretFile); err == nil {
		if secret := strings.TrimSpace(string(data)); secret != "" {
			return secret
		}
	}

	raw := make([]byte, 32)
	rand.Read(raw)
	secret := base64.URLEncoding.EncodeToString(raw)

	if err := os.MkdirAll(keysDir, 0700); err == nil {
		if err := os.WriteFile(secretFile, []byte(secret), 0600); err != nil {
			log.Warn("jwt secret not persisted, sessions will not survive restart", "error", err)
		}
	}
	return secret
}

func loadOrGenerateVAPIDKeys(log *slog.Logger) (VAPIDKeys, error) {
	subject := getEnv("VAPID_SUBJECT", "mailto:admin@chatline.app")

	if pub, priv := os.Getenv("VAPID_PUBLIC_KEY"), os.Getenv("VAPID_PRIVATE_KEY"); pub != "" && priv != "" {
		return VAPIDKeys{PublicKey: pub, PrivateKey: priv, Subject: subject}, nil
	}

	keysDir := keysDirectory()
	publicFile := filepath.Join(keysDir, "vapid-public.key")
	privateFile := filepath.Join(keysDir, "vapid-private.key")

	pubData, pubErr := os.ReadFile(publicFile)
	privData, privErr := os.ReadFile(privateFile)
	if pubErr == nil && privErr == nil {
		return VAPIDKeys{
			PublicKey:  strings.TrimSpace(string(pubData)),
			PrivateKey: strings.TrimSpace(string(privData)),
			Subject:    subject,
		}, nil
	}

	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return VAPIDKeys{}, fmt.Errorf("generate vapid keys: %w", err)
	}

	if err := os.MkdirAll(keysDir, 0700); err == nil {
		if err := os.WriteFile(publicFile, []byte(pub), 0600); err == nil {
			err = os.WriteFile(privateFile, []byte(priv), 0600)
		}
		if err != nil {
			log.Warn("vapid keys not persisted, push subscriptions will break on restart", "error", err)
		}
	}

	return VAPIDKeys{PublicKey: pub, PrivateKey: priv, Subject: subject}, nil
}
