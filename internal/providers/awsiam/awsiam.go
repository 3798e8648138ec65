// Package awsiam mints, rotates and deletes IAM user access keys in the AWS
// account an IAM service account belongs to. Each account is reached by
// assuming a well-known role in it.
package awsiam

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/systmms/iamsvc/internal/logging"
)

const (
	// MaxAccessKeys is the number of access keys AWS allows per IAM user.
	MaxAccessKeys = 2

	DefaultRegion     = "us-east-1"
	DefaultKeyTTLDays = 90
)

// IAMClientAPI defines the IAM operations used here.
// This allows for mocking in tests
type IAMClientAPI interface {
	CreateAccessKey(ctx context.Context, params *iam.CreateAccessKeyInput, optFns ...func(*iam.Options)) (*iam.CreateAccessKeyOutput, error)
	DeleteAccessKey(ctx context.Context, params *iam.DeleteAccessKeyInput, optFns ...func(*iam.Options)) (*iam.DeleteAccessKeyOutput, error)
	ListAccessKeys(ctx context.Context, params *iam.ListAccessKeysInput, optFns ...func(*iam.Options)) (*iam.ListAccessKeysOutput, error)
}

// ClientFactory returns an IAM client acting inside accountID.
type ClientFactory func(ctx context.Context, accountID string) (IAMClientAPI, error)

// Config holds AWS settings
type Config struct {
	Region         string `yaml:"region"`
	AssumeRoleName string `yaml:"assume_role_name"`
	Endpoint       string `yaml:"endpoint"` // Optional custom endpoint for LocalStack or testing
	KeyTTLDays     int    `yaml:"key_ttl_days"`

	// Static credentials for LocalStack/testing
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// RoleARN returns the ARN of the role assumed in accountID.
func RoleARN(accountID, roleName string) string {
	return fmt.Sprintf("arn:aws:iam::%s:role/%s", accountID, roleName)
}

// Client performs access key operations across accounts.
type Client struct {
	config  Config
	factory ClientFactory
	logger  *logging.Logger
	now     func() time.Time

	mu      sync.Mutex
	clients map[string]IAMClientAPI
}

// Option configures a Client
type Option func(*Client)

// WithIAMClient uses client for every account (for testing)
func WithIAMClient(client IAMClientAPI) Option {
	return func(c *Client) {
		c.factory = func(context.Context, string) (IAMClientAPI, error) {
			return client, nil
		}
	}
}

// WithClientFactory replaces how per-account clients are built
func WithClientFactory(factory ClientFactory) Option {
	return func(c *Client) {
		c.factory = factory
	}
}

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithClock overrides the time source used for creation and expiry stamps
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// NewClient creates a client. Without an injected factory it loads the
// default AWS configuration and assumes AssumeRoleName in each account.
func NewClient(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	if cfg.KeyTTLDays <= 0 {
		cfg.KeyTTLDays = DefaultKeyTTLDays
	}

	c := &Client{
		config:  cfg,
		logger:  logging.Discard(),
		now:     time.Now,
		clients: map[string]IAMClientAPI{},
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.factory == nil {
		factory, err := defaultFactory(ctx, cfg, c.logger)
		if err != nil {
			return nil, err
		}
		c.factory = factory
	}
	return c, nil
}

func defaultFactory(ctx context.Context, cfg Config, logger *logging.Logger) (ClientFactory, error) {
	var configOpts []func(*config.LoadOptions) error
	configOpts = append(configOpts, config.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		configOpts = append(configOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	base, err := config.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var iamOpts []func(*iam.Options)
	var stsOpts []func(*sts.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		iamOpts = append(iamOpts, func(o *iam.Options) {
			o.EndpointResolver = iam.EndpointResolverFromURL(endpoint)
		})
		stsOpts = append(stsOpts, func(o *sts.Options) {
			o.BaseEndpoint = &endpoint
		})
	}

	if cfg.AssumeRoleName == "" {
		client := iam.NewFromConfig(base, iamOpts...)
		return func(context.Context, string) (IAMClientAPI, error) {
			return client, nil
		}, nil
	}

	stsClient := sts.NewFromConfig(base, stsOpts...)
	return func(_ context.Context, accountID string) (IAMClientAPI, error) {
		arn := RoleARN(accountID, cfg.AssumeRoleName)
		logger.Debug("Assuming role: %s", arn)
		provider := stscreds.NewAssumeRoleProvider(stsClient, arn, func(o *stscreds.AssumeRoleOptions) {
			o.RoleSessionName = "iamsvc-" + accountID
		})
		accountCfg := base.Copy()
		accountCfg.Credentials = aws.NewCredentialsCache(provider)
		return iam.NewFromConfig(accountCfg, iamOpts...), nil
	}, nil
}

// client returns the cached client for accountID.
func (c *Client) client(ctx context.Context, accountID string) (IAMClientAPI, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[accountID]; ok {
		return client, nil
	}
	client, err := c.factory(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to create IAM client for account %s: %w", accountID, err)
	}
	c.clients[accountID] = client
	return client, nil
}

// KeyTTL is how long a newly minted key is considered valid.
func (c *Client) KeyTTL() time.Duration {
	return time.Duration(c.config.KeyTTLDays) * 24 * time.Hour
}

var (
	// ErrQuotaExceeded is returned when the IAM user already holds the
	// maximum number of access keys.
	ErrQuotaExceeded = errors.New("access key quota exceeded")
	// ErrNoSuchEntity is returned when the IAM user or key does not exist.
	ErrNoSuchEntity = errors.New("no such IAM entity")
	// ErrOldKeyDeleted is returned when a rotation deleted the old key but
	// could not create its replacement.
	ErrOldKeyDeleted = errors.New("old access key deleted without replacement")
	// ErrOldKeyKept is returned when the old key could not be deleted after
	// its replacement was created. The replacement has been deleted again.
	ErrOldKeyKept = errors.New("old access key could not be deleted")
	// ErrOrphanKey is returned when the replacement created by a failed
	// rotation could not be deleted. See OrphanKeyError.
	ErrOrphanKey = errors.New("replacement access key left in AWS")
)

// OrphanKeyError names a key that a failed rotation left live in AWS. Its
// secret is gone, so the key must be deleted by hand.
type OrphanKeyError struct {
	AccessKeyID string
	Err         error
}

func (e *OrphanKeyError) Error() string {
	return fmt.Sprintf("access key %s left in AWS: %v", e.AccessKeyID, e.Err)
}

func (e *OrphanKeyError) Unwrap() error { return e.Err }

func (e *OrphanKeyError) Is(target error) bool { return target == ErrOrphanKey }
