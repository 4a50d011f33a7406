package knowledge

import (
	"sync/atomic"

	apperrors "github.com/aihub/rag-pipeline/internal/errors"
	"github.com/aihub/rag-pipeline/internal/logger"
	officelicense "github.com/unidoc/unioffice/common/license"
	pdflicense "github.com/unidoc/unipdf/v3/common/license"
	"go.uber.org/zap"
)

var uniDocLicensed atomic.Bool

// ConfigureUniDocLicense 注册 UniDoc 计量授权。成功后新建的 TextExtractor 改用 unipdf/unioffice
func ConfigureUniDocLicense(apiKey string) error {
	if apiKey == "" {
		return apperrors.NewValidationError("unidoc license key is empty")
	}
	if err := pdflicense.SetMeteredKey(apiKey); err != nil {
		return apperrors.NewExtractionError("unipdf license rejected, check knowledge.extraction.license_key").WithCause(err)
	}
	if err := officelicense.SetMeteredKey(apiKey); err != nil {
		return apperrors.NewExtractionError("unioffice license rejected, check knowledge.extraction.license_key").WithCause(err)
	}
	uniDocLicensed.Store(true)
	logger.Info("unidoc license configured", zap.String("parsers", "unipdf,unioffice"))
	return nil
}

// UniDocLicensed 是否已注册 UniDoc 授权
func UniDocLicensed() bool {
	return uniDocLicensed.Load()
}
