package database

import (
	"strconv"
)

type postgresStrategy struct {
	target Target
}

func (s *postgresStrategy) Engine() Engine { return EnginePostgres }

func (s *postgresStrategy) Format() Format { return FormatStream }

// Command builds a plain-format pg_dump that writes SQL to stdout. The
// password travels in PGPASSWORD and --no-password stops pg_dump from
// prompting when it is wrong.
func (s *postgresStrategy) Command(Invocation) (Command, error) {
	t := s.target
	args := []string{
		"--host=" + t.Host,
		"--port=" + strconv.Itoa(t.EffectivePort()),
	}
	if t.Username != "" {
		args = append(args, "--username="+t.Username)
	}
	args = append(args,
		"--format=plain",
		"--no-owner",
		"--no-acl",
		"--no-password",
		t.Database,
	)

	var env []string
	if t.Password != "" {
		env = append(env, "PGPASSWORD="+t.Password)
	}

	return Command{
		Path: t.binary("pg_dump"),
		Args: withExtraArgs(args, t.ExtraArgs),
		Env:  env,
	}, nil
}
