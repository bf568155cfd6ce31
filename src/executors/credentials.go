package executors

import (
	"context"
	"errors"
	"fmt"

	logger "github.com/sirupsen/logrus"

	"martingaleexecutor/src/model"
	"martingaleexecutor/src/security"
)

var (
	ErrNoCredentials = errors.New("no exchange credentials configured")
	ErrNotOnServer   = errors.New("account is not enabled to run on this server")
)

// decryptString is swapped in tests.
var decryptString = security.DecryptString

type accountGetter interface {
	GetByAccountAndExchange(ctx context.Context, accountID, exchange string) (*model.Account, error)
}

// ResolveCredentials prefers EXCHANGE_API_KEY/EXCHANGE_API_SECRET and falls back to the
// encrypted credentials stored for the account. repo may be nil when no database is used.
func ResolveCredentials(ctx context.Context, config Config, repo accountGetter) (string, string, error) {
	if config.APIKey != "" && config.APISecret != "" {
		return config.APIKey, config.APISecret, nil
	}
	if repo == nil {
		return "", "", ErrNoCredentials
	}

	account, err := repo.GetByAccountAndExchange(ctx, config.AccountID, config.TargetExchange)
	if err != nil {
		logger.WithError(err).Error("Failed to GetByAccountAndExchange")
		return "", "", err
	}
	if account == nil || account.APIKeyHash == "" || account.APISecretHash == "" {
		logger.WithFields(map[string]interface{}{
			"account":  config.AccountID,
			"exchange": config.TargetExchange,
		}).Error("No valid key/secret set for exchange")
		return "", "", ErrNoCredentials
	}
	if !account.RunOnServer {
		return "", "", ErrNotOnServer
	}

	apiKey, err := decryptString(account.APIKeyHash)
	if err != nil {
		logger.WithError(err).Error("Failed to decrypt API Key")
		return "", "", fmt.Errorf("decrypt api key: %w", err)
	}
	apiSecret, err := decryptString(account.APISecretHash)
	if err != nil {
		logger.WithError(err).Error("Failed to decrypt API Secret")
		return "", "", fmt.Errorf("decrypt api secret: %w", err)
	}
	return apiKey, apiSecret, nil
}
