package config

import (
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MySQLDSN builds a go-sql-driver DSN. parseTime is always on so DATETIME
// columns scan into time.Time.
func (c *Config) MySQLDSN() string {
	cfg := mysql.NewConfig()
	cfg.User = c.Database.User
	cfg.Passwd = c.Database.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", c.Database.Host, c.Database.Port)
	cfg.DBName = c.Database.Name
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.MultiStatements = true
	return cfg.FormatDSN()
}

// SQLiteDSN returns the database file with the pragmas the repository relies
// on. Busy timeout lets concurrent writers queue instead of failing.
func (c *Config) SQLiteDSN() string {
	return "file:" + c.Database.Name + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_time_format=sqlite"
}
