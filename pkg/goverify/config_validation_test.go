package goverify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	return &Config{
		Pepper: "pepper",
		Apps: map[string]AppConfig{
			"talktype": {PackageName: "com.talktype.app"},
		},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing pepper", mutate: func(c *Config) { c.Pepper = "" }, wantErr: true},
		{name: "no apps", mutate: func(c *Config) { c.Apps = nil }, wantErr: true},
		{name: "app without package", mutate: func(c *Config) {
			c.Apps["bad"] = AppConfig{}
		}, wantErr: true},
		{name: "negative limit", mutate: func(c *Config) { c.RateLimit.UserLimit = -1 }, wantErr: true},
		{name: "unknown algorithm", mutate: func(c *Config) { c.RateLimit.Algorithm = "leaky" }, wantErr: true},
		{name: "sliding window", mutate: func(c *Config) { c.RateLimit.Algorithm = AlgorithmSlidingWindow }},
		{name: "negative timeout", mutate: func(c *Config) { c.ProviderTimeout = -time.Second }, wantErr: true},
		{name: "retries disabled", mutate: func(c *Config) { c.UpsertRetries = -1 }},
		{name: "cache disabled", mutate: func(c *Config) { c.CacheTTL = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_ApplyDefaults(t *testing.T) {
	c := validConfig()
	c.applyDefaults()

	assert.Equal(t, 10*time.Minute, c.CacheTTL)
	assert.Equal(t, 8*time.Second, c.ProviderTimeout)
	assert.Equal(t, 2, c.UpsertRetries)
	assert.Equal(t, DefaultRateLimitConfig(), c.RateLimit)
	assert.NotNil(t, c.Logger)
	assert.NotNil(t, c.Metrics)
	assert.NotNil(t, c.Now)
}

func TestRequest_Validate(t *testing.T) {
	valid := func() *Request {
		return &Request{
			AppID:          "talktype",
			PackageName:    "com.talktype.app",
			SubscriptionID: "premium_monthly",
			UserID:         "u1",
			PurchaseToken:  "token-abc",
			SourceIP:       "10.0.0.1",
		}
	}

	tests := []struct {
		name    string
		mutate  func(r *Request)
		wantErr bool
	}{
		{name: "valid", mutate: func(r *Request) {}},
		{name: "empty app", mutate: func(r *Request) { r.AppID = "" }, wantErr: true},
		{name: "bad app chars", mutate: func(r *Request) { r.AppID = "talk type" }, wantErr: true},
		{name: "long app", mutate: func(r *Request) { r.AppID = string(make([]byte, 65)) }, wantErr: true},
		{name: "bad package", mutate: func(r *Request) { r.PackageName = "com/evil" }, wantErr: true},
		{name: "empty subscription", mutate: func(r *Request) { r.SubscriptionID = "" }, wantErr: true},
		{name: "user with colon", mutate: func(r *Request) { r.UserID = "firebase:abc-123" }},
		{name: "bad user", mutate: func(r *Request) { r.UserID = "u 1" }, wantErr: true},
		{name: "empty token", mutate: func(r *Request) { r.PurchaseToken = "" }, wantErr: true},
		{name: "empty ip", mutate: func(r *Request) { r.SourceIP = "" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid()
			tt.mutate(r)
			err := r.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRequest_ValidateDoesNotEchoToken(t *testing.T) {
	r := &Request{
		AppID:          "talktype",
		PackageName:    "com.talktype.app",
		SubscriptionID: "premium_monthly",
		UserID:         "u1",
		PurchaseToken:  string(make([]byte, 3000)),
		SourceIP:       "10.0.0.1",
	}
	err := r.Validate()
	assert.Error(t, err)
	assert.NotContains(t, err.Error(), r.PurchaseToken)
}

func TestConfig_ApplyDefaults_NegativeDisables(t *testing.T) {
	c := validConfig()
	c.CacheTTL = -1
	c.UpsertRetries = -1
	c.applyDefaults()

	assert.Equal(t, time.Duration(-1), c.CacheTTL)
	assert.Equal(t, 0, c.UpsertRetries)
}
