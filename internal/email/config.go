package email

import "fmt"

// Config holds all email account configurations. It is embedded in the
// top-level application config under the "email" YAML key.
type Config struct {
	// Accounts lists the email accounts to connect to at startup.
	Accounts []AccountConfig `yaml:"accounts"`

	// BccOwner, if set, is auto-added as a Bcc recipient on every
	// outbound message sent through any account.
	BccOwner string `yaml:"bcc_owner"`
}

// Configured reports whether at least one account has the minimum
// required IMAP configuration (host and username).
func (c Config) Configured() bool {
	for _, a := range c.Accounts {
		if a.IMAP.Host != "" && a.IMAP.Username != "" {
			return true
		}
	}
	return false
}

// ApplyDefaults fills zero-value fields with sensible defaults.
// Called by the parent config's applyDefaults method.
func (c *Config) ApplyDefaults() {
	for i := range c.Accounts {
		if c.Accounts[i].IMAP.Port == 0 {
			c.Accounts[i].IMAP.Port = 993
		}
		// TLS defaults to true. Since bool zero-value is false, "not set"
		// cannot be told apart from "explicitly false"; to keep the
		// config simple, TLS is forced to true unless the port is 143
		// (plaintext convention).
		if !c.Accounts[i].IMAP.TLS && c.Accounts[i].IMAP.Port != 143 {
			c.Accounts[i].IMAP.TLS = true
		}
		if c.Accounts[i].SMTP.Host != "" && c.Accounts[i].SMTP.Port == 0 {
			c.Accounts[i].SMTP.Port = 587
			c.Accounts[i].SMTP.StartTLS = true
		}
		if c.Accounts[i].DefaultFrom == "" {
			c.Accounts[i].DefaultFrom = c.Accounts[i].IMAP.Username
		}
	}
}

// Validate checks that the email configuration is internally consistent.
// Returns an error describing the first problem found.
func (c Config) Validate() error {
	names := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.Name == "" {
			return fmt.Errorf("email.accounts[%d].name must not be empty", i)
		}
		if names[a.Name] {
			return fmt.Errorf("email.accounts[%d].name %q is a duplicate", i, a.Name)
		}
		names[a.Name] = true

		if a.IMAP.Host == "" {
			return fmt.Errorf("email.accounts[%d] (%s): imap.host is required", i, a.Name)
		}
		if a.IMAP.Username == "" {
			return fmt.Errorf("email.accounts[%d] (%s): imap.username is required", i, a.Name)
		}
		if a.IMAP.Port < 1 || a.IMAP.Port > 65535 {
			return fmt.Errorf("email.accounts[%d] (%s): imap.port %d out of range (1-65535)", i, a.Name, a.IMAP.Port)
		}
		if a.SMTP.Host != "" {
			if a.SMTP.Username == "" || a.SMTP.Password == "" {
				return fmt.Errorf("email.accounts[%d] (%s): smtp.username and smtp.password are required when smtp.host is set", i, a.Name)
			}
			if a.SMTP.Port < 1 || a.SMTP.Port > 65535 {
				return fmt.Errorf("email.accounts[%d] (%s): smtp.port %d out of range (1-65535)", i, a.Name, a.SMTP.Port)
			}
			if a.DefaultFrom == "" {
				return fmt.Errorf("email.accounts[%d] (%s): default_from is required when smtp.host is set", i, a.Name)
			}
		}
	}
	return nil
}

// SMTPConfigured reports whether this account has the minimum required
// SMTP configuration (host and username) to send outbound mail.
func (a AccountConfig) SMTPConfigured() bool {
	return a.SMTP.Host != "" && a.SMTP.Username != ""
}

// AccountConfig describes a single email account with its IMAP and SMTP
// connection parameters.
type AccountConfig struct {
	// Name is a short identifier used in tool parameters and logging
	// (e.g., "personal", "work"). Required.
	Name string `yaml:"name"`

	// IMAP configures the IMAP connection for reading email.
	IMAP IMAPConfig `yaml:"imap"`

	// SMTP configures the SMTP connection for sending email.
	SMTP SMTPConfig `yaml:"smtp"`

	// DefaultFrom is the address used in the From header of outbound
	// messages sent through this account. Defaults to IMAP.Username.
	DefaultFrom string `yaml:"default_from"`
}

// IMAPConfig holds IMAP server connection parameters.
type IMAPConfig struct {
	// Host is the IMAP server hostname (e.g., "imap.gmail.com").
	Host string `yaml:"host"`

	// Port is the IMAP server port. Default: 993 (IMAPS).
	Port int `yaml:"port"`

	// Username is the IMAP login username (typically the email address).
	Username string `yaml:"username"`

	// Password is the IMAP login password. Supports environment variable
	// expansion via the config loader (e.g., ${IMAP_PASSWORD}).
	Password string `yaml:"password"`

	// TLS controls whether to use TLS for the connection. Default: true.
	// Set to false only for port 143 plaintext connections (not recommended).
	TLS bool `yaml:"tls"`
}

// SMTPConfig holds SMTP server connection parameters for sending mail.
type SMTPConfig struct {
	// Host is the SMTP server hostname (e.g., "smtp.gmail.com").
	Host string `yaml:"host"`

	// Port is the SMTP server port. Default: 587 (STARTTLS).
	Port int `yaml:"port"`

	// Username is the SMTP login username, if authentication is required.
	Username string `yaml:"username"`

	// Password is the SMTP login password. Supports environment variable
	// expansion via the config loader (e.g., ${SMTP_PASSWORD}).
	Password string `yaml:"password"`

	// StartTLS selects STARTTLS (true, typically port 587) over implicit
	// TLS (false, typically port 465). Default: true.
	StartTLS bool `yaml:"starttls"`
}
