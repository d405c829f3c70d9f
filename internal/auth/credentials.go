package auth

import (
	"github.com/yoockh/callguard/internal/utils"
)

// CredentialChecker compares presented API keys against a bcrypt hash.
type CredentialChecker struct {
	hash string
}

func NewCredentialChecker(hash string) *CredentialChecker {
	return &CredentialChecker{hash: hash}
}

func (c *CredentialChecker) Enabled() bool { return c != nil && c.hash != "" }

func (c *CredentialChecker) Check(apiKey string) error {
	const op = "CredentialChecker.Check"
	if !c.Enabled() {
		return utils.E(utils.CodeUnavailable, op, "credential exchange is not configured", nil)
	}
	if apiKey == "" {
		return utils.E(utils.CodeUnauthorized, op, "missing api key", nil)
	}
	if err := utils.CheckAPIKey(c.hash, apiKey); err != nil {
		return utils.E(utils.CodeOf(err), op, utils.SafeMessage(err), err)
	}
	return nil
}
