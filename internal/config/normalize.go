package config

import (
	"fmt"
	"strings"
	"time"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeWorker()
	c.normalizeGenesys()
	c.normalizeFFmpeg()
	c.normalizeSFTP()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.RecordingDir, err = expandPath(c.Paths.RecordingDir); err != nil {
		return fmt.Errorf("paths.recording_dir: %w", err)
	}
	if c.Paths.TempDir, err = expandPath(c.Paths.TempDir); err != nil {
		return fmt.Errorf("paths.temp_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Paths.DatabasePath, err = expandPath(c.Paths.DatabasePath); err != nil {
		return fmt.Errorf("paths.database_path: %w", err)
	}
	return nil
}

func (c *Config) normalizeWorker() {
	if c.Worker.IntervalMinutes < 1 {
		c.Worker.IntervalMinutes = 1
	}
	c.Worker.DivisionID = strings.TrimSpace(c.Worker.DivisionID)
	c.Worker.WindowDate = strings.TrimSpace(c.Worker.WindowDate)
}

func (c *Config) normalizeGenesys() {
	c.Genesys.ClientID = strings.TrimSpace(c.Genesys.ClientID)
	c.Genesys.ClientSecret = strings.TrimSpace(c.Genesys.ClientSecret)
	c.Genesys.Region = strings.TrimSpace(strings.TrimPrefix(c.Genesys.Region, "https://"))
}

func (c *Config) normalizeFFmpeg() {
	if strings.TrimSpace(c.FFmpeg.Binary) == "" {
		c.FFmpeg.Binary = "ffmpeg"
	}
	if c.FFmpeg.TimeoutSeconds <= 0 {
		c.FFmpeg.TimeoutSeconds = 600
	}
}

func (c *Config) normalizeSFTP() {
	c.SFTP.Host = strings.TrimSpace(c.SFTP.Host)
	if c.SFTP.Port <= 0 {
		c.SFTP.Port = 22
	}
	if strings.TrimSpace(c.SFTP.RemoteBasePath) == "" {
		c.SFTP.RemoteBasePath = "/"
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
}

// Interval returns the cycle cadence with the one-minute floor applied.
func (c *Config) Interval() time.Duration {
	minutes := c.Worker.IntervalMinutes
	if minutes < 1 {
		minutes = 1
	}
	return time.Duration(minutes) * time.Minute
}

// FFmpegTimeout returns the bound applied to a single transcoder invocation.
func (c *Config) FFmpegTimeout() time.Duration {
	return time.Duration(c.FFmpeg.TimeoutSeconds) * time.Second
}
