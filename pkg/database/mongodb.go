package database

import (
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const mongoTimestampLayout = "20060102_150405"

type mongoStrategy struct {
	target Target
}

func (s *mongoStrategy) Engine() Engine { return EngineMongo }

func (s *mongoStrategy) Format() Format { return FormatDirectory }

// Command builds a mongodump writing into WorkDir. mongodump has no password
// environment variable, so the password goes into a YAML file read through
// --config instead of the argument list.
func (s *mongoStrategy) Command(inv Invocation) (Command, error) {
	if inv.WorkDir == "" {
		return Command{}, errors.New("mongodump requires a work directory")
	}
	t := s.target
	outDir := filepath.Join(inv.WorkDir, "mongodb_backup_"+inv.Timestamp.UTC().Format(mongoTimestampLayout))

	args := []string{
		"--host=" + t.Host,
		"--port=" + strconv.Itoa(t.EffectivePort()),
	}
	if t.Username != "" {
		args = append(args, "--username="+t.Username)
	}
	args = append(args,
		"--db="+t.Database,
		"--out="+outDir,
	)
	if t.AuthDatabase != "" {
		args = append(args, "--authenticationDatabase="+t.AuthDatabase)
	}
	args = append(args, "--readPreference=secondary")

	cmd := Command{
		Path:      t.binary("mongodump"),
		OutputDir: outDir,
	}

	if t.Password != "" {
		content, err := yaml.Marshal(map[string]string{"password": t.Password})
		if err != nil {
			return Command{}, errors.Wrap(err, "failed to encode mongodump config")
		}
		configPath := filepath.Join(inv.WorkDir, "mongodump.yaml")
		cmd.Files = append(cmd.Files, File{Path: configPath, Content: content})
		args = append(args, "--config="+configPath)
	}

	cmd.Args = withExtraArgs(args, t.ExtraArgs)
	return cmd, nil
}
