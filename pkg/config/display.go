package config

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// DisplayConfiguration logs the effective configuration with secrets masked.
func (c *AppConfig) DisplayConfiguration(logger logrus.FieldLogger) {
	logger.Info("========== dbsavr Configuration ==========")
	logger.Infof("Config File: %s", c.ConfigFile)
	logger.Infof("Log Level: %s (%s)", c.LogLevel, c.LogFormat)
	logger.Infof("Workers: %d", c.Workers)
	logger.Infof("Timeout: %s", c.Pipeline.Timeout)

	logger.Info("----- Databases -----")
	for _, id := range c.DatabaseIDs() {
		db := c.Databases[id]
		port := db.Port
		if t, err := c.Target(id); err == nil {
			port = t.EffectivePort()
		}
		logger.WithFields(logrus.Fields{
			"type":     db.Type,
			"host":     db.Host,
			"port":     port,
			"username": db.Username,
			"password": maskSensitiveInfo(db.Password),
			"database": db.Database,
			"bucket":   db.BucketName,
		}).Infof("Database: %s", id)
		if len(db.Options.ExtraArgs) > 0 {
			logger.Infof("  Extra Args: %s", strings.Join(db.Options.ExtraArgs, " "))
		}
	}

	logger.Info("----- Storage -----")
	logger.Infof("Backend: %s", c.Storage.Backend)
	if c.Storage.Backend == BackendLocal {
		logger.Infof("Local Directory: %s", c.Storage.LocalDirectory)
	} else {
		logger.Infof("Bucket: %s", c.S3.BucketName)
		logger.Infof("Region: %s", c.S3.Region)
		logger.Infof("Endpoint: %s", c.S3.Endpoint)
		logger.Infof("Access Key: %s", maskSensitiveInfo(c.S3.AccessKey))
		logger.Infof("Secret Key: %s", maskSensitiveInfo(c.S3.SecretKey))
		logger.Infof("Path Style: %t", c.S3.PathStyle)
		logger.Infof("Custom CA Path: %s", c.S3.CustomCAPath)
		logger.Infof("Skip Cert Validation: %t", c.S3.SkipCertValidation)
	}
	logger.Infof("Prefix: %s", c.S3.Prefix)

	logger.Info("----- Schedules -----")
	for _, s := range c.Schedules {
		logger.Infof("%s: %q prefix=%q retention=%dd cleanup=%t",
			s.DatabaseName, s.CronExpression, s.Prefix, s.RetentionDays, s.CleanupAfterBackup)
	}

	if c.NotificationsEmail != "" {
		logger.Info("----- Notifications -----")
		logger.Infof("Recipient: %s", c.NotificationsEmail)
		logger.Infof("SMTP: %s:%d (tls=%t ssl=%t)", c.SMTP.Server, c.SMTP.Port, c.SMTP.UseTLS, c.SMTP.UseSSL)
		logger.Infof("SMTP Username: %s", c.SMTP.Username)
		logger.Infof("SMTP Password: %s", maskSensitiveInfo(c.SMTP.Password))
	}

	if c.MetadataDB.Enabled {
		logger.Info("----- Metadata Database -----")
		logger.Infof("Host: %s:%d", c.MetadataDB.Host, c.MetadataDB.Port)
		logger.Infof("Username: %s", c.MetadataDB.Username)
		logger.Infof("Password: %s", maskSensitiveInfo(c.MetadataDB.Password))
		logger.Infof("Database: %s", c.MetadataDB.Database)
		logger.Infof("Auto Migrate: %t", c.MetadataDB.AutoMigrate)
	}

	logger.Infof("Metrics Port: %s", c.Metrics.Port)
	logger.Info("==========================================")
}

// maskSensitiveInfo masks sensitive information for logging
func maskSensitiveInfo(info string) string {
	if info == "" {
		return "[not set]"
	}

	if len(info) <= 4 {
		return "****"
	}

	return info[:2] + "****" + info[len(info)-2:]
}
