package ec2

import (
	"context"
	"net"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"go.uber.org/zap"

	"github.com/autominion/minion/pkg/vm"
)

// API is the subset of the EC2 client the provider calls.
type API interface {
	CreateKeyPair(ctx context.Context, in *ec2.CreateKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.CreateKeyPairOutput, error)
	DeleteKeyPair(ctx context.Context, in *ec2.DeleteKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.DeleteKeyPairOutput, error)
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstanceStatus(ctx context.Context, in *ec2.DescribeInstanceStatusInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstanceStatusOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// DialFunc opens the TCP connection SSH runs over.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Provider creates spot-instance machines.
type Provider struct {
	api    API
	cfg    Config
	logger *zap.Logger
	dial   DialFunc
	sleep  func(ctx context.Context, d time.Duration) error
}

var _ vm.Provider = (*Provider)(nil)

// New creates a provider backed by a real EC2 client.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &ProvisionError{Op: "New", Err: err}
	}

	var opts []func(*ec2.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *ec2.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return NewWithAPI(ec2.NewFromConfig(awsCfg, opts...), cfg, logger), nil
}

// NewWithAPI creates a provider around an existing client.
func NewWithAPI(api API, cfg Config, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	dialer := &net.Dialer{Timeout: cfg.DialTimeout}
	return &Provider{
		api:    api,
		cfg:    cfg,
		logger: logger,
		dial:   dialer.DialContext,
		sleep:  sleepContext,
	}
}

// loadAWSConfig builds the AWS configuration with appropriate credentials.
func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	return config.LoadDefaultConfig(ctx, opts...)
}

// Kind implements vm.Provider.
func (p *Provider) Kind() vm.Kind { return vm.KindCloud }

// Create provisions a key pair and a spot instance, waits for it to run and
// opens an SSH session. Errors after the key pair exists leave it (and any
// instance) in place; the returned error carries both names.
func (p *Provider) Create(ctx context.Context) (vm.Machine, error) {
	keyName, err := generateKeyName(p.cfg.KeyNameLength)
	if err != nil {
		return nil, &ProvisionError{Op: "GenerateKeyName", Err: err}
	}

	keyMaterial, err := p.createKeyPair(ctx, keyName)
	if err != nil {
		return nil, err
	}
	signer, err := parseSigner(keyMaterial)
	if err != nil {
		return nil, &ProvisionError{Op: "ParseKey", KeyName: keyName, Err: err}
	}

	instanceID, err := p.runInstance(ctx, keyName)
	if err != nil {
		return nil, err
	}
	log := p.logger.With(zap.String("instance_id", instanceID))

	log.Info("Waiting for instance to be ready")
	if err := p.waitRunning(ctx, instanceID); err != nil {
		return nil, &ProvisionError{Op: "WaitRunning", InstanceID: instanceID, KeyName: keyName, Err: err}
	}

	m := &Machine{
		provider:   p,
		instanceID: instanceID,
		keyName:    keyName,
		signer:     signer,
		logger:     log,
	}
	if err := m.connect(ctx); err != nil {
		return nil, err
	}
	log.Info("Instance ready", zap.String("address", m.address))
	return m, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
