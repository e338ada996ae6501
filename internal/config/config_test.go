package config_test

import (
	"os"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/hapostgres/pg-auto-failover-sub002/internal/config"
)

func TestConfig(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "config suite")
}

const sampleINI = `
[pg_autoctl]
role = keeper
monitor = postgres://autoctl_node@monitor.example.com:5432/pg_auto_failover
formation = default
group = 0
name = node1
hostname = node1.example.com
nodekind = standalone

[postgres]
pgdata = /var/lib/postgresql/13/main
pg_ctl = /usr/lib/postgresql/13/bin/pg_ctl
username = postgres
dbname = postgres
host = node1.example.com
port = 5433
listen_addresses = *
auth_method = trust

[replication]
slot = pgautofailover_standby_2
password = s3cret
maximum_backup_rate = 100M

[ssl]
active = true
self_signed = true
mode = require

[citus]
cluster_name = default
`

var _ = Describe("keeper INI configuration", func() {
	It("parses all five sections", func() {
		cfg, err := config.Parse([]byte(sampleINI))
		Expect(err).NotTo(HaveOccurred())

		Expect(cfg.PgAutoctl.Role).To(Equal(config.RoleKeeper))
		Expect(cfg.PgAutoctl.Name).To(Equal("node1"))
		Expect(cfg.Postgres.Port).To(Equal(5433))
		Expect(cfg.Postgres.AuthMethod).To(Equal(config.AuthTrust))
		Expect(cfg.Replication.Slot).To(Equal("pgautofailover_standby_2"))
		Expect(cfg.SSL.Mode).To(Equal(config.SSLRequire))
		Expect(cfg.Citus.ClusterName).To(Equal("default"))
	})

	It("applies defaults for fields absent from the file", func() {
		cfg, err := config.Parse([]byte("[pg_autoctl]\nrole = monitor\n"))
		Expect(err).NotTo(HaveOccurred())

		Expect(cfg.Postgres.Port).To(Equal(5432))
		Expect(cfg.Postgres.DBName).To(Equal("postgres"))
		Expect(cfg.Replication.MaximumBackupRate).To(Equal("100M"))
		Expect(cfg.Citus.ClusterName).To(Equal("default"))
	})

	It("builds the canonical replication slot name", func() {
		Expect(config.ReplicationSlotName(7)).To(Equal("pgautofailover_standby_7"))
	})

	It("reload only replaces fields marked reloadable", func() {
		dir := GinkgoT().TempDir()
		path := dir + "/pg_autoctl.ini"

		original, err := config.Parse([]byte(sampleINI))
		Expect(err).NotTo(HaveOccurred())
		original.Postgres.Port = 9999 // simulate a non-reloadable field diverging

		Expect(os.WriteFile(path, []byte(`
[pg_autoctl]
role = keeper
formation = second_formation
name = node1-renamed
hostname = node1.example.com

[postgres]
listen_addresses = 0.0.0.0

[replication]
maximum_backup_rate = 200M

[ssl]
active = false
mode = disable
`), 0o600)).To(Succeed())

		reloaded, err := config.Reload(original, path)
		Expect(err).NotTo(HaveOccurred())

		Expect(reloaded.PgAutoctl.Formation).To(Equal("second_formation"))
		Expect(reloaded.Postgres.ListenAddresses).To(Equal("0.0.0.0"))
		Expect(reloaded.Replication.MaximumBackupRate).To(Equal("200M"))
		Expect(reloaded.SSL.Mode).To(Equal(config.SSLDisable))
		// Non-reloadable field must survive untouched.
		Expect(reloaded.Postgres.Port).To(Equal(9999))
	})
})
