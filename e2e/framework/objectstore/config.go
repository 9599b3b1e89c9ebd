package objectstore

import "github.com/splunk/hadoop-bundle-e2e/e2e/framework/config"

// ConfigFrom maps the runner settings to a provider config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Provider:           cfg.ObjectStoreProvider,
		Bucket:             cfg.ObjectStoreBucket,
		Prefix:             cfg.ObjectStorePrefix,
		Region:             cfg.ObjectStoreRegion,
		Endpoint:           cfg.ObjectStoreEndpoint,
		AccessKey:          cfg.ObjectStoreAccessKey,
		SecretKey:          cfg.ObjectStoreSecretKey,
		SessionToken:       cfg.ObjectStoreSessionToken,
		S3PathStyle:        cfg.ObjectStoreS3PathStyle,
		GCPProject:         cfg.ObjectStoreGCPProject,
		GCPCredentialsFile: cfg.ObjectStoreGCPCredentialsFile,
		GCPCredentialsJSON: cfg.ObjectStoreGCPCredentialsJSON,
		AzureAccount:       cfg.ObjectStoreAzureAccount,
		AzureKey:           cfg.ObjectStoreAzureKey,
		AzureEndpoint:      cfg.ObjectStoreAzureEndpoint,
		AzureSASToken:      cfg.ObjectStoreAzureSASToken,
	}
}
