package config

type TextractConfig struct {
	Region        string  `yaml:"region" json:"region" toml:"region"`
	Endpoint      string  `yaml:"endpoint" json:"endpoint" toml:"endpoint"`
	AccessKey     string  `yaml:"accessKey" json:"accessKey" toml:"accessKey"`
	SecretKey     string  `yaml:"secretKey" json:"secretKey" toml:"secretKey"`
	MinConfidence float32 `yaml:"minConfidence" json:"minConfidence" toml:"minConfidence"`
}

func (t *TextractConfig) applyEnv() {
	setString(&t.Region, "AWS_REGION")
	setString(&t.Endpoint, "AWS_ENDPOINT")
	setString(&t.AccessKey, "AWS_ACCESS_KEY")
	setString(&t.SecretKey, "AWS_SECRET_KEY")
}
