package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Credentials is the YAML database credentials file referenced by CREDS_PATH.
type Credentials struct {
	DriverName string `yaml:"DRIVER"`
	User       string `yaml:"USER"`
	Password   string `yaml:"PASSWORD"`
	Host       string `yaml:"HOST"`
	Port       string `yaml:"PORT"`
	Database   string `yaml:"DATABASE"`
}

// LoadCredentials reads and validates a credentials file. Every key is required.
func LoadCredentials(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("read credentials file: %w", err)
	}

	var c Credentials
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Credentials{}, fmt.Errorf("parse credentials file %s: %w", path, err)
	}

	var missing []string
	for key, v := range map[string]string{
		"DRIVER": c.DriverName, "USER": c.User, "PASSWORD": c.Password,
		"HOST": c.Host, "PORT": c.Port, "DATABASE": c.Database,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return Credentials{}, fmt.Errorf("credentials file %s is missing %s", path, strings.Join(missing, ", "))
	}
	return c, nil
}

// Driver maps DRIVER values such as "postgresql+psycopg2" onto a store driver name.
func (c Credentials) Driver() string {
	d := strings.ToLower(c.DriverName)
	if i := strings.IndexByte(d, '+'); i >= 0 {
		d = d[:i]
	}
	switch d {
	case "postgresql", "postgres", "pgx":
		return "postgres"
	default:
		return d
	}
}

// URL renders a postgres connection URL; for sqlite DATABASE is the file path.
func (c Credentials) URL() string {
	if c.Driver() == "sqlite" {
		return c.Database
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, c.Port),
		Path:   "/" + c.Database,
	}
	return u.String()
}
