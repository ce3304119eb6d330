// Package config provides XML-based configuration management for the dashboard backend.
package config

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docproc-dashboard/backend/internal/upload"
	"github.com/joho/godotenv"
)

// AppConfig represents the root XML configuration structure
type AppConfig struct {
	XMLName xml.Name `xml:"DocumentDashboard"`

	// Server configuration
	Server ServerConfig `xml:"Server"`

	// Storage configuration
	Storage StorageConfig `xml:"Storage"`

	// Remote extraction service
	Extraction ExtractionConfig `xml:"Extraction"`

	// Upload validation policy
	Upload UploadConfig `xml:"Upload"`

	// Session lifecycle
	Sessions SessionsConfig `xml:"Sessions"`

	// Advanced options
	Advanced AdvancedConfig `xml:"Advanced"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port           int    `xml:"Port"`
	BindAddress    string `xml:"BindAddress"`
	EnableCORS     bool   `xml:"EnableCORS"`
	AllowOrigins   string `xml:"AllowOrigins"`
	RequestTimeout int    `xml:"RequestTimeoutSeconds"`
	BodyLimit      string `xml:"BodyLimit"`
}

// StorageConfig contains file storage settings
type StorageConfig struct {
	DataDirectory    string `xml:"DataDirectory"`
	UploadsDirectory string `xml:"UploadsDirectory"`
}

// ExtractionConfig points at the remote extraction service
type ExtractionConfig struct {
	BaseURL string `xml:"BaseURL"`
}

// UploadConfig contains the default upload policy. PolicyFile, when set,
// is a YAML file that replaces these values.
type UploadConfig struct {
	AllowedExtensions string  `xml:"AllowedExtensions"`
	MaxUploadSizeMB   float64 `xml:"MaxUploadSizeMB"`
	PolicyFile        string  `xml:"PolicyFile"`
}

// SessionsConfig contains session limits and cleanup settings
type SessionsConfig struct {
	MaxSessions            int `xml:"MaxSessions"`
	SessionTimeoutMinutes  int `xml:"SessionTimeoutMinutes"`
	CleanupIntervalMinutes int `xml:"CleanupIntervalMinutes"`
}

// AdvancedConfig contains advanced/tuning options
type AdvancedConfig struct {
	LogLevel                string `xml:"LogLevel"`
	LogFormat               string `xml:"LogFormat"`
	EnableRequestLogging    bool   `xml:"EnableRequestLogging"`
	WebSocketMaxMessageSize int    `xml:"WebSocketMaxMessageSizeKB"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port:           8089,
			BindAddress:    "0.0.0.0",
			EnableCORS:     true,
			AllowOrigins:   "*",
			RequestTimeout: 30,
			BodyLimit:      "110M",
		},
		Storage: StorageConfig{
			DataDirectory:    "./data",
			UploadsDirectory: "./data/uploads",
		},
		Extraction: ExtractionConfig{
			BaseURL: "http://localhost:8000",
		},
		Upload: UploadConfig{
			AllowedExtensions: strings.Join(upload.DefaultAllowedExtensions, ","),
			MaxUploadSizeMB:   100,
		},
		Sessions: SessionsConfig{
			MaxSessions:            50,
			SessionTimeoutMinutes:  30,
			CleanupIntervalMinutes: 5,
		},
		Advanced: AdvancedConfig{
			LogLevel:                "info",
			LogFormat:               "text",
			EnableRequestLogging:    true,
			WebSocketMaxMessageSize: 64,
		},
	}
}

// LoadDotEnv loads KEY=VALUE pairs from path into the environment.
// Variables already set are kept. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// LoadConfig loads configuration from XML file
func LoadConfig(configPath string) (*AppConfig, error) {
	config := DefaultConfig()

	// If file doesn't exist, create default
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := config.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := xml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Apply environment variable overrides
	config.applyEnvironmentOverrides()

	// Resolve relative paths
	config.resolvePaths(filepath.Dir(configPath))

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Save saves the configuration to XML file
func (c *AppConfig) Save(configPath string) error {
	output, err := xml.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(xml.Header + "\n<!-- Document Dashboard Configuration -->\n<!-- This file is auto-generated on first run -->\n\n")
	content := append(header, output...)

	if err := os.WriteFile(configPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// applyEnvironmentOverrides allows environment variables to override config values
func (c *AppConfig) applyEnvironmentOverrides() {
	// PORT override
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}

	// DATA_DIR override, uploads follow it
	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		c.Storage.DataDirectory = dataDir
		c.Storage.UploadsDirectory = filepath.Join(dataDir, "uploads")
	}

	if domain := os.Getenv("HTTP_API_DOMAIN"); domain != "" {
		c.Extraction.BaseURL = domain
	}

	if maxMB := os.Getenv("MAX_UPLOAD_MB"); maxMB != "" {
		if mb, err := strconv.ParseFloat(maxMB, 64); err == nil {
			c.Upload.MaxUploadSizeMB = mb
		}
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Advanced.LogLevel = level
	}
}

// resolvePaths converts relative paths to absolute based on config file location
func (c *AppConfig) resolvePaths(configDir string) {
	if !filepath.IsAbs(c.Storage.DataDirectory) {
		c.Storage.DataDirectory = filepath.Join(configDir, c.Storage.DataDirectory)
	}
	if !filepath.IsAbs(c.Storage.UploadsDirectory) {
		c.Storage.UploadsDirectory = filepath.Join(configDir, c.Storage.UploadsDirectory)
	}
	if c.Upload.PolicyFile != "" && !filepath.IsAbs(c.Upload.PolicyFile) {
		c.Upload.PolicyFile = filepath.Join(configDir, c.Upload.PolicyFile)
	}
}

// Validate reports settings the server cannot start with.
func (c *AppConfig) Validate() error {
	if strings.TrimSpace(c.Extraction.BaseURL) == "" {
		return errors.New("extraction base URL is empty (set HTTP_API_DOMAIN)")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Upload.MaxUploadSizeMB < 0 {
		return fmt.Errorf("invalid max upload size %vMB", c.Upload.MaxUploadSizeMB)
	}
	return nil
}

// UploadPolicy returns the policy in force at startup: the policy file
// when configured, the inline settings otherwise.
func (c *AppConfig) UploadPolicy() (upload.Policy, error) {
	if c.Upload.PolicyFile != "" {
		return upload.LoadPolicy(c.Upload.PolicyFile)
	}
	var exts []string
	for _, e := range strings.Split(c.Upload.AllowedExtensions, ",") {
		if e = strings.TrimSpace(e); e != "" {
			exts = append(exts, e)
		}
	}
	return upload.Policy{
		AllowedExtensions: exts,
		MaxSizeBytes:      int64(c.Upload.MaxUploadSizeMB * 1024 * 1024),
	}.Normalized(), nil
}

// SessionTimeout returns how long idle sessions are kept
func (c *AppConfig) SessionTimeout() time.Duration {
	return time.Duration(c.Sessions.SessionTimeoutMinutes) * time.Minute
}

// CleanupInterval returns how often idle sessions are swept
func (c *AppConfig) CleanupInterval() time.Duration {
	if c.Sessions.CleanupIntervalMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Sessions.CleanupIntervalMinutes) * time.Minute
}

// GetUploadDir returns the absolute uploads directory path
func (c *AppConfig) GetUploadDir() string {
	return c.Storage.UploadsDirectory
}

// GetServerAddr returns the server bind address
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// EnsureDirectories creates all necessary directories
func (c *AppConfig) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDirectory,
		c.Storage.UploadsDirectory,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
