package database

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/juju/mgo/v3"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

const probeTimeout = 10 * time.Second

// Probe opens a connection to the target with the engine's native driver and
// pings it. It is a preflight check only; dumps never go through these drivers.
func Probe(ctx context.Context, t Target) error {
	if err := t.Validate(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	switch t.Engine {
	case EnginePostgres:
		connector, err := pq.NewConnector(postgresDSN(t))
		if err != nil {
			return errors.Wrap(err, "invalid PostgreSQL connection settings")
		}
		return pingSQL(ctx, sql.OpenDB(connector), "PostgreSQL")
	case EngineMySQL:
		connector, err := mysql.NewConnector(mysqlConfig(t))
		if err != nil {
			return errors.Wrap(err, "invalid MySQL connection settings")
		}
		return pingSQL(ctx, sql.OpenDB(connector), "MySQL")
	case EngineMongo:
		return pingMongo(ctx, t)
	}
	return fmt.Errorf("unsupported database type %q", t.Engine)
}

func pingSQL(ctx context.Context, db *sql.DB, name string) error {
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return errors.Wrapf(err, "failed to ping %s server", name)
	}
	return nil
}

func pingMongo(ctx context.Context, t Target) error {
	timeout := probeTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	info := &mgo.DialInfo{
		Addrs:    []string{net.JoinHostPort(t.Host, strconv.Itoa(t.EffectivePort()))},
		Database: t.Database,
		Username: t.Username,
		Password: t.Password,
		Source:   t.AuthDatabase,
		Timeout:  timeout,
		Direct:   true,
	}
	session, err := mgo.DialWithInfo(info)
	if err != nil {
		return errors.Wrap(err, "failed to connect to MongoDB server")
	}
	defer session.Close()
	if err := session.Ping(); err != nil {
		return errors.Wrap(err, "failed to ping MongoDB server")
	}
	return nil
}

func postgresDSN(t Target) string {
	params := [][2]string{
		{"host", t.Host},
		{"port", strconv.Itoa(t.EffectivePort())},
		{"dbname", t.Database},
		{"connect_timeout", strconv.Itoa(int(probeTimeout.Seconds()))},
	}
	// lib/pq has no "prefer" mode; honour PGSSLMODE the way pg_dump would.
	if os.Getenv("PGSSLMODE") == "" {
		params = append(params, [2]string{"sslmode", "disable"})
	}
	if t.Username != "" {
		params = append(params, [2]string{"user", t.Username})
	}
	if t.Password != "" {
		params = append(params, [2]string{"password", t.Password})
	}
	parts := make([]string, 0, len(params))
	for _, p := range params {
		parts = append(parts, p[0]+"="+quoteDSNValue(p[1]))
	}
	return strings.Join(parts, " ")
}

func quoteDSNValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

func mysqlConfig(t Target) *mysql.Config {
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(t.Host, strconv.Itoa(t.EffectivePort()))
	cfg.User = t.Username
	cfg.Passwd = t.Password
	cfg.DBName = t.Database
	cfg.Timeout = probeTimeout
	return cfg
}
