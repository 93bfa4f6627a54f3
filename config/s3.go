package config

type S3Config struct {
	BucketName string `yaml:"bucketName" json:"bucketName" toml:"bucketName"`
	Region     string `yaml:"region" json:"region" toml:"region"`
	Endpoint   string `yaml:"endpoint" json:"endpoint" toml:"endpoint"`
	AccessKey  string `yaml:"accessKey" json:"accessKey" toml:"accessKey"`
	SecretKey  string `yaml:"secretKey" json:"secretKey" toml:"secretKey"`
}

func (s *S3Config) applyEnv() {
	setString(&s.BucketName, "AWS_S3_BUCKET_NAME")
	setString(&s.Region, "AWS_REGION")
	setString(&s.Endpoint, "AWS_ENDPOINT")
	setString(&s.AccessKey, "AWS_ACCESS_KEY")
	setString(&s.SecretKey, "AWS_SECRET_KEY")
}
