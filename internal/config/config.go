// Package config loads and saves the keeper's INI configuration file
// (spec.md §6 "Keeper configuration file"), sections pg_autoctl, postgres,
// replication, ssl, citus. Parsing goes through spf13/viper's native ini
// codec on top of the values from Default(); Reload merges only the keys
// marked reloadable. Environment variables are not consulted.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Role selects whether a pg_autoctl process acts as the monitor or as a
// keeper, per spec.md §6 pg_autoctl.role.
type Role string

const (
	RoleMonitor Role = "monitor"
	RoleKeeper  Role = "keeper"
)

// AuthMethod is postgres.auth_method, spec.md §6.
type AuthMethod string

const (
	AuthTrust          AuthMethod = "trust"
	AuthMD5            AuthMethod = "md5"
	AuthScramSHA256    AuthMethod = "scram-sha-256"
	AuthSkip           AuthMethod = "skip"
)

// SSLMode is ssl.mode, spec.md §6.
type SSLMode string

const (
	SSLDisable    SSLMode = "disable"
	SSLAllow      SSLMode = "allow"
	SSLPrefer     SSLMode = "prefer"
	SSLRequire    SSLMode = "require"
	SSLVerifyCA   SSLMode = "verify-ca"
	SSLVerifyFull SSLMode = "verify-full"
)

// PgAutoctlSection is the [pg_autoctl] INI section.
type PgAutoctlSection struct {
	Role        Role   `mapstructure:"role"`
	Monitor     string `mapstructure:"monitor"`
	Formation   string `mapstructure:"formation" reloadable:"true"`
	Group       int    `mapstructure:"group"`
	Name        string `mapstructure:"name" reloadable:"true"`
	Hostname    string `mapstructure:"hostname" reloadable:"true"`
	NodeKind    string `mapstructure:"nodekind"`
}

// PostgresSection is the [postgres] INI section.
type PostgresSection struct {
	PGData           string     `mapstructure:"pgdata"`
	PgCtl            string     `mapstructure:"pg_ctl"`
	Username         string     `mapstructure:"username"`
	DBName           string     `mapstructure:"dbname"`
	Host             string     `mapstructure:"host"`
	Port             int        `mapstructure:"port"`
	ListenAddresses  string     `mapstructure:"listen_addresses" reloadable:"true"`
	AuthMethod       AuthMethod `mapstructure:"auth_method"`
}

// ReplicationSection is the [replication] INI section.
type ReplicationSection struct {
	Slot                string `mapstructure:"slot"`
	Password            string `mapstructure:"password"`
	MaximumBackupRate   string `mapstructure:"maximum_backup_rate" reloadable:"true"`
}

// SSLSection is the [ssl] INI section. All fields are reloadable: Reload
// replaces the whole section. No Postgres config reload follows a SIGHUP,
// so changed SSL file paths do not reach an already running Postgres.
type SSLSection struct {
	Active     bool    `mapstructure:"active" reloadable:"true"`
	SelfSigned bool    `mapstructure:"self_signed" reloadable:"true"`
	Mode       SSLMode `mapstructure:"mode" reloadable:"true"`
	CAFile     string  `mapstructure:"ca_file" reloadable:"true"`
	CRLFile    string  `mapstructure:"crl_file" reloadable:"true"`
	ServerCert string  `mapstructure:"server_cert" reloadable:"true"`
	ServerKey  string  `mapstructure:"server_key" reloadable:"true"`
}

// CitusSection is the [citus] INI section.
type CitusSection struct {
	ClusterName string `mapstructure:"cluster_name"`
}

// Config is the fully parsed keeper configuration file.
type Config struct {
	PgAutoctl   PgAutoctlSection   `mapstructure:"pg_autoctl"`
	Postgres    PostgresSection    `mapstructure:"postgres"`
	Replication ReplicationSection `mapstructure:"replication"`
	SSL         SSLSection         `mapstructure:"ssl"`
	Citus       CitusSection       `mapstructure:"citus"`
}

// Default returns a Config carrying spec.md §6's "Defaults".
func Default() Config {
	return Config{
		Postgres: PostgresSection{
			Port:            5432,
			ListenAddresses: "*",
			DBName:          "postgres",
			Username:        "postgres",
			AuthMethod:      AuthTrust,
		},
		Replication: ReplicationSection{
			MaximumBackupRate: "100M",
		},
		Citus: CitusSection{
			ClusterName: "default",
		},
	}
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("ini")
	return v
}

// Load reads and parses the INI file at path on top of Default().
func Load(path string) (Config, error) {
	cfg := Default()

	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file %q: %w", path, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config file %q: %w", path, err)
	}
	return cfg, nil
}

// Parse parses INI content held in memory; the tests use it.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	v := newViper()
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// Reload re-reads path and returns a new Config with only the keys marked
// reloadable:"true" replaced; every other field keeps its value from
// current. This backs the supervisor's SIGHUP handling (spec.md §4.9):
// "accepts the subset of options marked reloadable, and applies them."
func Reload(current Config, path string) (Config, error) {
	next, err := Load(path)
	if err != nil {
		return Config{}, err
	}

	merged := current
	merged.PgAutoctl.Formation = next.PgAutoctl.Formation
	merged.PgAutoctl.Name = next.PgAutoctl.Name
	merged.PgAutoctl.Hostname = next.PgAutoctl.Hostname
	merged.Postgres.ListenAddresses = next.Postgres.ListenAddresses
	merged.Replication.MaximumBackupRate = next.Replication.MaximumBackupRate
	merged.SSL = next.SSL
	return merged, nil
}

// MonitorURI returns pg_autoctl.monitor as configured; the ssl.* settings
// are not applied to it.
func (c Config) MonitorURI() string {
	if c.PgAutoctl.Monitor != "" {
		return c.PgAutoctl.Monitor
	}
	return ""
}

// ReplicationSlotName returns the canonical slot name for a standby with
// the given node id, per spec.md §6 "Replication slot name pattern".
func ReplicationSlotName(nodeID int64) string {
	return fmt.Sprintf("pgautofailover_standby_%d", nodeID)
}

// ApplicationNamePrefix is the prefix used to recognise a standby's
// application_name for sync detection, spec.md §6.
const ApplicationNamePrefix = "pgautofailover_standby_"

// WriteFile renders cfg as INI and writes it to path, creating the parent
// directory's pg_autoctl.ini as `pg_autoctl create` does.
func WriteFile(path string, cfg Config) error {
	v := newViper()
	v.Set("pg_autoctl", map[string]interface{}{
		"role":     string(cfg.PgAutoctl.Role),
		"monitor":  cfg.PgAutoctl.Monitor,
		"formation": cfg.PgAutoctl.Formation,
		"group":    cfg.PgAutoctl.Group,
		"name":     cfg.PgAutoctl.Name,
		"hostname": cfg.PgAutoctl.Hostname,
		"nodekind": cfg.PgAutoctl.NodeKind,
	})
	v.Set("postgres", map[string]interface{}{
		"pgdata":           cfg.Postgres.PGData,
		"pg_ctl":           cfg.Postgres.PgCtl,
		"username":         cfg.Postgres.Username,
		"dbname":           cfg.Postgres.DBName,
		"host":             cfg.Postgres.Host,
		"port":             cfg.Postgres.Port,
		"listen_addresses": cfg.Postgres.ListenAddresses,
		"auth_method":      string(cfg.Postgres.AuthMethod),
	})
	v.Set("replication", map[string]interface{}{
		"slot":                cfg.Replication.Slot,
		"password":            cfg.Replication.Password,
		"maximum_backup_rate": cfg.Replication.MaximumBackupRate,
	})
	v.Set("ssl", map[string]interface{}{
		"active":      cfg.SSL.Active,
		"self_signed": cfg.SSL.SelfSigned,
		"mode":        string(cfg.SSL.Mode),
		"ca_file":     cfg.SSL.CAFile,
		"crl_file":    cfg.SSL.CRLFile,
		"server_cert": cfg.SSL.ServerCert,
		"server_key":  cfg.SSL.ServerKey,
	})
	v.Set("citus", map[string]interface{}{
		"cluster_name": cfg.Citus.ClusterName,
	})

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config file %q: %w", path, err)
	}
	return nil
}
