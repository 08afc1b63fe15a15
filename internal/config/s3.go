package config

import (
	"path"
	"strings"
)

// S3Config holds the optional invoice archive destination
type S3Config struct {
	Bucket       string `mapstructure:"s3_bucket"`
	Prefix       string `mapstructure:"s3_prefix"`
	AccessKey    string `mapstructure:"s3_access_key"`
	SecretKey    string `mapstructure:"s3_secret_key"`
	SessionToken string `mapstructure:"s3_session_token"`
	Endpoint     string `mapstructure:"s3_endpoint"` // MinIO, Wasabi, etc.
	Region       string `mapstructure:"s3_region"`
}

// Enabled reports whether archiving is configured
func (c *S3Config) Enabled() bool {
	return c.Bucket != ""
}

// Validate normalizes the prefix so it never starts with a slash and always ends with one
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return nil
	}

	c.Prefix = strings.Trim(c.Prefix, "/")
	if c.Prefix != "" {
		c.Prefix += "/"
	}

	return nil
}

// Key returns the object key for a path relative to the download base path
func (c *S3Config) Key(rel string) string {
	rel = strings.TrimLeft(strings.ReplaceAll(rel, "\\", "/"), "/")
	if c.Prefix == "" {
		return rel
	}
	return path.Join(c.Prefix, rel)
}
