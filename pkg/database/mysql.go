package database

import (
	"strconv"
)

// mysqlStrategy covers MySQL and MariaDB; both ship a compatible mysqldump.
type mysqlStrategy struct {
	target Target
}

func (s *mysqlStrategy) Engine() Engine { return EngineMySQL }

func (s *mysqlStrategy) Format() Format { return FormatStream }

func (s *mysqlStrategy) Command(Invocation) (Command, error) {
	t := s.target
	args := []string{
		"--host=" + t.Host,
		"--port=" + strconv.Itoa(t.EffectivePort()),
	}
	if t.Username != "" {
		args = append(args, "--user="+t.Username)
	}
	args = append(args,
		"--single-transaction",
		"--quick",
		"--routines",
		"--triggers",
		"--events",
		t.Database,
	)

	var env []string
	if t.Password != "" {
		env = append(env, "MYSQL_PWD="+t.Password)
	}

	return Command{
		Path: t.binary("mysqldump"),
		Args: withExtraArgs(args, t.ExtraArgs),
		Env:  env,
	}, nil
}
