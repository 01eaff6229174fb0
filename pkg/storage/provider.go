package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/ethpandaops/geostore/pkg/config"
	"github.com/sirupsen/logrus"
)

// RoleSessionName is the STS session name used when assuming producer roles.
const RoleSessionName = "geostore"

// NewProvider creates a Provider for the configured storage driver.
func NewProvider(
	ctx context.Context,
	log logrus.FieldLogger,
	cfg *config.StorageConfig,
) (Provider, error) {
	switch cfg.Driver {
	case "local":
		return NewLocalProvider(log, cfg.Local.Root), nil
	case "s3", "":
		return NewS3Provider(ctx, log, &cfg.S3)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// Compile-time interface checks.
var (
	_ Provider = (*s3Provider)(nil)
	_ Provider = (*localProvider)(nil)
)

type s3Provider struct {
	log     logrus.FieldLogger
	cfg     *config.S3Config
	base    aws.Config
	service *s3.Client

	mu      sync.Mutex
	assumed map[string]*s3.Client
}

// NewS3Provider builds S3 clients for the service credentials and lazily
// for every producer role. Static credentials from the config take
// precedence over the default AWS credential chain.
func NewS3Provider(
	ctx context.Context,
	log logrus.FieldLogger,
	cfg *config.S3Config,
) (Provider, error) {
	region := cfg.Region
	if region == "" {
		region = config.DefaultS3Region
	}

	var base aws.Config

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		base = aws.Config{
			Region: region,
			Credentials: credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, "",
			),
		}
	} else {
		loaded, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
		if err != nil {
			return nil, fmt.Errorf("loading aws config: %w", err)
		}

		base = loaded
	}

	p := &s3Provider{
		log:     log.WithField("component", "storage"),
		cfg:     cfg,
		base:    base,
		assumed: make(map[string]*s3.Client, 4),
	}

	p.service = s3.NewFromConfig(base, p.clientOptions)

	return p, nil
}

func (p *s3Provider) clientOptions(o *s3.Options) {
	if p.cfg.EndpointURL != "" {
		o.BaseEndpoint = aws.String(p.cfg.EndpointURL)
	}

	if p.cfg.ForcePathStyle {
		o.UsePathStyle = true
	}
}

// Bucket returns a bucket accessed with the service credentials.
func (p *s3Provider) Bucket(name string) Bucket {
	return newS3Bucket(p.log, p.service, name)
}

// AssumedBucket returns a bucket accessed with credentials assumed from
// roleARN. Credentials are cached per role and refreshed before expiry.
func (p *s3Provider) AssumedBucket(
	ctx context.Context, name, roleARN string,
) (Bucket, error) {
	if roleARN == "" || !p.cfg.AssumeRoles {
		return p.Bucket(name), nil
	}

	client, err := p.assumedClient(ctx, roleARN)
	if err != nil {
		return nil, err
	}

	return newS3Bucket(p.log.WithField("role_arn", roleARN), client, name), nil
}

func (p *s3Provider) assumedClient(ctx context.Context, roleARN string) (*s3.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if client, ok := p.assumed[roleARN]; ok {
		return client, nil
	}

	stsClient := sts.NewFromConfig(p.base)

	creds := aws.NewCredentialsCache(stscreds.NewAssumeRoleProvider(
		stsClient, roleARN, func(o *stscreds.AssumeRoleOptions) {
			o.RoleSessionName = RoleSessionName
		},
	))

	// Fail early: a role that cannot be assumed aborts the task.
	if _, err := creds.Retrieve(ctx); err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrAssumeRole, roleARN, err)
	}

	client := s3.NewFromConfig(p.base, p.clientOptions, func(o *s3.Options) {
		o.Credentials = creds
	})

	p.assumed[roleARN] = client

	p.log.WithField("role_arn", roleARN).Info("Assumed producer role")

	return client, nil
}

type localProvider struct {
	log  logrus.FieldLogger
	root string
}

// NewLocalProvider maps buckets to directories under root. Roles are
// accepted and ignored.
func NewLocalProvider(log logrus.FieldLogger, root string) Provider {
	return &localProvider{
		log:  log.WithField("component", "storage"),
		root: root,
	}
}

// Bucket returns the directory-backed bucket name.
func (p *localProvider) Bucket(name string) Bucket {
	return newLocalBucket(p.log, p.root, name)
}

// AssumedBucket returns the same bucket as Bucket.
func (p *localProvider) AssumedBucket(
	_ context.Context, name, _ string,
) (Bucket, error) {
	return p.Bucket(name), nil
}
