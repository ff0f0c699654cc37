package config

import (
	"errors"
	"fmt"
	"time"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateWorker(); err != nil {
		return err
	}
	if err := c.validateGenesys(); err != nil {
		return err
	}
	if err := c.validateSFTP(); err != nil {
		return err
	}
	if err := c.validateWeb(); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	return nil
}

func (c *Config) validateWorker() error {
	if c.Worker.DivisionID == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = "~/.config/recpost/config.toml"
		}
		return fmt.Errorf("worker.division_id is required. Edit %s (create with 'recpostd config init')", defaultPath)
	}
	if c.Worker.WindowDate != "" {
		if _, err := time.Parse("2006-01-02", c.Worker.WindowDate); err != nil {
			return fmt.Errorf("worker.window_date: expected YYYY-MM-DD: %w", err)
		}
	}
	return nil
}

func (c *Config) validateGenesys() error {
	if c.Genesys.ClientID == "" {
		return errors.New("genesys.client_id must be set")
	}
	if c.Genesys.ClientSecret == "" {
		return errors.New("genesys.client_secret must be set")
	}
	if c.Genesys.Region == "" {
		return errors.New("genesys.region must be set")
	}
	return nil
}

func (c *Config) validateSFTP() error {
	if c.SFTP.Host == "" {
		return errors.New("sftp.host must be set")
	}
	if c.SFTP.Username == "" {
		return errors.New("sftp.username must be set")
	}
	if c.SFTP.Port < 1 || c.SFTP.Port > 65535 {
		return fmt.Errorf("sftp.port: %d is out of range", c.SFTP.Port)
	}
	return nil
}

func (c *Config) validateWeb() error {
	if !c.Web.Enabled {
		return nil
	}
	if c.Web.Bind == "" {
		return errors.New("web.bind must be set when web.enabled is true")
	}
	if c.Web.Username == "" || c.Web.Password == "" {
		return errors.New("web.username and web.password must be set when web.enabled is true")
	}
	return nil
}
