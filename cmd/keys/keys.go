// Package keys encrypts exchange credentials and optionally stores them for an account.
package keys

import (
	"context"
	"errors"
	"fmt"
	"strings"

	logger "github.com/sirupsen/logrus"

	"martingaleexecutor/src/model"
	"martingaleexecutor/src/security"
)

type accountUpserter interface {
	Upsert(ctx context.Context, account *model.Account) error
}

type Request struct {
	AccountID   string
	Exchange    string
	Key         string
	Secret      string
	RunOnServer bool
}

// Encrypt seals the key and secret with EXCHANGE_CREDENTIALS_KEY.
func Encrypt(req Request) (*model.Account, error) {
	if strings.TrimSpace(req.Key) == "" || strings.TrimSpace(req.Secret) == "" {
		return nil, errors.New("both --key and --secret are required")
	}
	if req.AccountID == "" || req.Exchange == "" {
		return nil, errors.New("account and exchange are required")
	}

	encryptKey, err := security.EncryptString(strings.TrimSpace(req.Key))
	if err != nil {
		return nil, fmt.Errorf("encrypt key: %w", err)
	}
	encryptSecret, err := security.EncryptString(strings.TrimSpace(req.Secret))
	if err != nil {
		return nil, fmt.Errorf("encrypt secret: %w", err)
	}

	return &model.Account{
		AccountID:     req.AccountID,
		Exchange:      strings.ToLower(req.Exchange),
		APIKeyHash:    encryptKey,
		APISecretHash: encryptSecret,
		RunOnServer:   req.RunOnServer,
	}, nil
}

// Store upserts the encrypted account.
func Store(ctx context.Context, repo accountUpserter, account *model.Account) error {
	if err := repo.Upsert(ctx, account); err != nil {
		logger.WithError(err).WithFields(map[string]interface{}{
			"account":  account.AccountID,
			"exchange": account.Exchange,
		}).Error("Failed to upsert account credentials")
		return err
	}
	logger.WithFields(map[string]interface{}{
		"account":     account.AccountID,
		"exchange":    account.Exchange,
		"runOnServer": account.RunOnServer,
	}).Info("Account credentials stored")
	return nil
}
