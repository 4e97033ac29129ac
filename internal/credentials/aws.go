package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
)

const defaultAWSRegion = "us-east-1"

// awsResolver resolves AWS credentials from inline config or env
// indirection, or produces an instance-profile / web-identity marker.
type awsResolver struct {
	cfg StoreConfig
	log *slog.Logger
}

// resolve picks the region first (config → AWS_REGION → default with a
// warning), then decides between marker modes and static keys.
func (r *awsResolver) resolve(_ context.Context) (Credential, error) {
	c := r.cfg.Config

	region := c["region"]
	if region == "" && c["regionVar"] != "" {
		v, err := resolveEnv(c["regionVar"], true)
		if err != nil {
			return nil, err
		}
		region = v
	}
	if region == "" {
		v, err := resolveEnv("AWS_REGION", false)
		if err != nil {
			return nil, err
		}
		region = v
	}
	if region == "" {
		region = defaultAWSRegion
		r.log.Warn("aws credential store has no region configured, using default",
			slog.String("store", r.cfg.Name),
			slog.String("region", region),
		)
	}

	if truthy(c["useInstanceProfile"]) {
		return AWS{Mode: AWSAuthInstanceProfile, Region: region, Profile: c["profile"]}, nil
	}
	if truthy(c["useWebIdentity"]) {
		return AWS{Mode: AWSAuthWebIdentity, Region: region, Profile: c["profile"]}, nil
	}

	accessKey, err := stringOrEnv(c, "accessKeyId", "accessKeyIdVar")
	if err != nil {
		return nil, err
	}
	secretKey, err := stringOrEnv(c, "secretAccessKey", "secretAccessKeyVar")
	if err != nil {
		return nil, err
	}
	sessionToken, err := stringOrEnv(c, "sessionToken", "sessionTokenVar")
	if err != nil {
		return nil, err
	}
	if accessKey == "" || secretKey == "" {
		return nil, fmt.Errorf("aws store needs accessKeyId+secretAccessKey, useInstanceProfile, or useWebIdentity")
	}

	return AWS{
		Mode:            AWSAuthKeys,
		AccessKeyID:     accessKey,
		SecretAccessKey: secretKey,
		SessionToken:    sessionToken,
		Region:          region,
		Profile:         c["profile"],
	}, nil
}

// stringOrEnv returns the inline value when present, otherwise resolves the
// companion *Var env indirection. Both absent → ("", nil).
func stringOrEnv(c map[string]string, key, varKey string) (string, error) {
	if v := c[key]; v != "" {
		return v, nil
	}
	if name := c[varKey]; name != "" {
		return resolveEnv(name, true)
	}
	return "", nil
}

func truthy(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// NewAWSStore builds an AWS credential store from its config map.
// Recognised keys: region/regionVar, accessKeyId(+Var), secretAccessKey(+Var),
// sessionToken(+Var), profile, useInstanceProfile, useWebIdentity.
func NewAWSStore(cfg StoreConfig, log *slog.Logger) (Store, error) {
	if log == nil {
		log = slog.Default()
	}
	return newCachingStore(cfg.Name, cfg.CacheTTL, &awsResolver{cfg: cfg, log: log}, log), nil
}
