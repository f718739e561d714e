package goverify

import (
	"fmt"
	"regexp"
)

var (
	appIDPattern       = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
	packageNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.]+$`)
	userIDPattern      = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)
)

const (
	maxAppIDLen          = 64
	maxPackageNameLen    = 255
	maxSubscriptionIDLen = 255
	maxPurchaseTokenLen  = 2048
	maxUserIDLen         = 128
)

// Validate checks the request's fields after trimming. It never echoes the purchase token.
func (r *Request) Validate() error {
	if err := checkField("app_id", r.AppID, maxAppIDLen, appIDPattern); err != nil {
		return err
	}
	if err := checkField("package_name", r.PackageName, maxPackageNameLen, packageNamePattern); err != nil {
		return err
	}
	if err := checkField("subscription_id", r.SubscriptionID, maxSubscriptionIDLen, nil); err != nil {
		return err
	}
	if err := checkField("user_id", r.UserID, maxUserIDLen, userIDPattern); err != nil {
		return err
	}
	if err := checkField("purchase_token", r.PurchaseToken, maxPurchaseTokenLen, nil); err != nil {
		return err
	}
	if r.SourceIP == "" {
		return newVerifyError(KindValidation, "source_ip is required", nil)
	}
	return nil
}

func checkField(name, value string, maxLen int, pattern *regexp.Regexp) error {
	if value == "" {
		return newVerifyError(KindValidation, fmt.Sprintf("%s is required", name), nil)
	}
	if len(value) > maxLen {
		return newVerifyError(KindValidation, fmt.Sprintf("%s exceeds %d characters", name, maxLen), nil)
	}
	if pattern != nil && !pattern.MatchString(value) {
		return newVerifyError(KindValidation, fmt.Sprintf("%s contains invalid characters", name), nil)
	}
	return nil
}
