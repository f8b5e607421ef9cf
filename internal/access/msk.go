package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-msk-iam-sasl-signer-go/signer"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
)

// MSKConfig configures the MSK credential exchanger.
type MSKConfig struct {
	// Region is the AWS region hosting the Octopus MSK cluster.
	Region string

	// AccountID is the AWS account owning the per-subject IAM roles.
	AccountID string

	// AccessKeyID and SecretAccessKey authenticate the broker service
	// itself; the per-subject role is assumed on top of them. Static
	// keys are used because the deployment target does not support
	// instance roles.
	AccessKeyID     string
	SecretAccessKey string

	// SessionDuration bounds the assumed role session. Zero means the
	// STS default.
	SessionDuration time.Duration
}

// MSKExchanger implements Exchanger against AWS: it assumes the
// per-subject IAM role via STS and mints an MSK SASL/OAUTHBEARER token
// from the assumed credentials.
type MSKExchanger struct {
	cfg       MSKConfig
	stsClient *sts.Client
}

// NewMSKExchanger builds the exchanger from static AWS credentials.
func NewMSKExchanger(ctx context.Context, cfg MSKConfig) (*MSKExchanger, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &MSKExchanger{
		cfg:       cfg,
		stsClient: sts.NewFromConfig(awsCfg),
	}, nil
}

// RoleARN returns the per-subject IAM role on the cluster account.
func (e *MSKExchanger) RoleARN(subject string) string {
	return fmt.Sprintf("arn:aws:iam::%s:role/ap/%s-role", e.cfg.AccountID, subject)
}

// Exchange assumes the subject's role and generates a broker auth token.
func (e *MSKExchanger) Exchange(ctx context.Context, subject string) (*DerivedAccess, error) {
	provider := stscreds.NewAssumeRoleProvider(e.stsClient, e.RoleARN(subject), func(o *stscreds.AssumeRoleOptions) {
		o.RoleSessionName = "octopus-mcp-" + subject
		if e.cfg.SessionDuration > 0 {
			o.Duration = e.cfg.SessionDuration
		}
	})

	token, expiryMs, err := signer.GenerateAuthTokenFromCredentialsProvider(
		ctx, e.cfg.Region, aws.NewCredentialsCache(provider),
	)
	if err != nil {
		return nil, classifyAWSErr(err)
	}

	return &DerivedAccess{
		Subject:   subject,
		AuthToken: token,
		Expiry:    time.UnixMilli(expiryMs),
	}, nil
}

// classifyAWSErr splits exchange failures into the terminal
// ErrAccessDenied and the retryable ErrDownstreamUnavailable.
func classifyAWSErr(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "AccessDeniedException", "ExpiredToken", "InvalidClientTokenId":
			return fmt.Errorf("%w: %v", ErrAccessDenied, err)
		}
	}
	// The signer flattens some STS failures into plain errors.
	if strings.Contains(strings.ToLower(err.Error()), "access denied") {
		return fmt.Errorf("%w: %v", ErrAccessDenied, err)
	}
	return fmt.Errorf("%w: %v", ErrDownstreamUnavailable, err)
}
