package objectstore

import "testing"

func TestConfigValidate(t *testing.T) {
	valid := Config{
		Endpoint:        "localhost:9000",
		AccessKey:       "a",
		SecretKey:       "b",
		Region:          "us-east-1",
		UseSSL:          false,
		BucketDatasets:  "datasets",
		BucketArtifacts: "artifacts",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	invalid := valid
	invalid.Endpoint = "http://localhost:9000"
	if err := invalid.Validate(); err == nil {
		t.Fatalf("Validate() expected error for scheme in endpoint")
	}

	invalid = valid
	invalid.BucketDatasets = " "
	if err := invalid.Validate(); err == nil {
		t.Fatalf("Validate() expected error for blank datasets bucket")
	}
}

func TestConfigFromEnv_Defaults(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.Endpoint != "localhost:9000" || cfg.BucketDatasets != "datasets" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}
