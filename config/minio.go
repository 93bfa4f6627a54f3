package config

import "os"

type MinioConfig struct {
	AccessKey  string `yaml:"accessKey" json:"accessKey" toml:"accessKey"`
	SecretKey  string `yaml:"secretKey" json:"secretKey" toml:"secretKey"`
	Endpoint   string `yaml:"endpoint" json:"endpoint" toml:"endpoint"`
	UseSSL     bool   `yaml:"useSSL" json:"useSSL" toml:"useSSL"`
	Region     string `yaml:"region" json:"region" toml:"region"`
	BucketName string `yaml:"bucketName" json:"bucketName" toml:"bucketName"`
}

func (m *MinioConfig) applyEnv() {
	setString(&m.AccessKey, "MINIO_ACCESS_KEY")
	setString(&m.SecretKey, "MINIO_SECRET_KEY")
	setString(&m.Endpoint, "MINIO_ENDPOINT")
	setString(&m.Region, "MINIO_REGION")
	setString(&m.BucketName, "MINIO_BUCKET_NAME")
	if os.Getenv("MINIO_USE_SSL") == "true" {
		m.UseSSL = true
	}
}
