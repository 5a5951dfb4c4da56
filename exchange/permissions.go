package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
)

const (
	defaultSAPIBaseURL       = "https://api.binance.com"
	defaultPermissionTimeout = 10 * time.Second
	recvWindowMillis         = 5000
)

// ErrSensitivePermission the key can move funds
var ErrSensitivePermission = errors.New("API keys with withdrawal/transfer permissions are not allowed, use a trade-only key")

var sensitivePermissionKeywords = []string{
	"withdraw",
	"deposit",
	"transfer",
	"wallettransfer",
	"asset",
}

// PermissionVerifier one-shot pre-flight check that an API key cannot move funds
type PermissionVerifier struct {
	BaseURL string
	Timeout time.Duration
}

// NewPermissionVerifier creates a verifier against baseURL (Binance SAPI when empty)
func NewPermissionVerifier(baseURL string, timeout time.Duration) *PermissionVerifier {
	if baseURL == "" {
		baseURL = defaultSAPIBaseURL
	}
	if timeout <= 0 {
		timeout = defaultPermissionTimeout
	}
	return &PermissionVerifier{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Timeout: timeout,
	}
}

// Verify returns nil only when the key restrictions were read and carry no sensitive capability
func (v *PermissionVerifier) Verify(ctx context.Context, apiKey, secretKey string) error {
	ctx, cancel := context.WithTimeout(ctx, v.Timeout)
	defer cancel()

	client := binance.NewClient(apiKey, secretKey)
	client.BaseURL = v.BaseURL
	client.HTTPClient = &http.Client{Timeout: v.Timeout}

	perm, err := client.NewGetAPIKeyPermission().Do(ctx, binance.WithRecvWindow(recvWindowMillis))
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) {
			if apiErr.IsValid() {
				return fmt.Errorf("key verification failed: %s", apiErr.Message)
			}
			return fmt.Errorf("key verification failed: %w", apiErr)
		}
		return fmt.Errorf("key permission check failed: %w", err)
	}

	if ContainsSensitivePermission(map[string]any(PayloadFrom(perm))) {
		return ErrSensitivePermission
	}
	return nil
}

// ContainsSensitivePermission walks a decoded key-info payload looking for enabled
// withdrawal, deposit or transfer capabilities
func ContainsSensitivePermission(value any) bool {
	switch t := value.(type) {
	case map[string]any:
		for k, v := range t {
			if hasSensitiveKeyword(strings.ToLower(k)) && isTruthyPermission(permissionText(v)) {
				return true
			}
			if ContainsSensitivePermission(v) {
				return true
			}
		}
	case []any:
		for _, item := range t {
			if ContainsSensitivePermission(item) {
				return true
			}
		}
	case nil:
		return false
	default:
		text := permissionText(t)
		return hasSensitiveKeyword(text) && isTruthyPermission(text)
	}
	return false
}

func permissionText(v any) string {
	if v == nil {
		return "none"
	}
	return strings.ToLower(strings.TrimSpace(fmt.Sprint(v)))
}

func hasSensitiveKeyword(s string) bool {
	for _, kw := range sensitivePermissionKeywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func isTruthyPermission(text string) bool {
	switch text {
	case "", "0", "false", "none", "off", "no", "null":
		return false
	}
	return true
}
