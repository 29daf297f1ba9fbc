package ec2

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"go.uber.org/zap"
)

const keyNameAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// generateKeyName returns keyNamePrefix followed by random alphanumerics,
// length characters in total.
func generateKeyName(length int) (string, error) {
	if length <= len(keyNamePrefix) {
		return "", fmt.Errorf("key name length %d is shorter than prefix", length)
	}
	buf := make([]byte, length-len(keyNamePrefix))
	limit := big.NewInt(int64(len(keyNameAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		buf[i] = keyNameAlphabet[n.Int64()]
	}
	return keyNamePrefix + string(buf), nil
}

func (p *Provider) createKeyPair(ctx context.Context, keyName string) (string, error) {
	out, err := p.api.CreateKeyPair(ctx, &ec2.CreateKeyPairInput{
		KeyName: aws.String(keyName),
		KeyType: types.KeyTypeEd25519,
	})
	if err != nil {
		return "", p.wrapError("CreateKeyPair", "", keyName, err)
	}
	material := aws.ToString(out.KeyMaterial)
	if material == "" {
		return "", &ProvisionError{Op: "CreateKeyPair", KeyName: keyName, Err: errors.New("empty key material")}
	}
	return material, nil
}

func (p *Provider) runInstanceInput(keyName string) *ec2.RunInstancesInput {
	return &ec2.RunInstancesInput{
		ImageId:  aws.String(p.cfg.ImageID),
		MinCount: aws.Int32(1),
		MaxCount: aws.Int32(1),
		KeyName:  aws.String(keyName),
		// Burstable instances are throttled once credits run out instead of billing extra.
		CreditSpecification: &types.CreditSpecificationRequest{
			CpuCredits: aws.String(p.cfg.CPUCredits),
		},
		InstanceMarketOptions: &types.InstanceMarketOptionsRequest{
			MarketType: types.MarketTypeSpot,
			SpotOptions: &types.SpotMarketOptions{
				SpotInstanceType: types.SpotInstanceTypeOneTime,
			},
		},
		BlockDeviceMappings: []types.BlockDeviceMapping{{
			DeviceName: aws.String(p.cfg.DeviceName),
			Ebs: &types.EbsBlockDevice{
				VolumeSize: aws.Int32(p.cfg.VolumeSizeGB),
				VolumeType: types.VolumeTypeGp3,
			},
		}},
		InstanceType:   types.InstanceType(p.cfg.InstanceType),
		SecurityGroups: []string{p.cfg.SecurityGroup},
	}
}

func (p *Provider) runInstance(ctx context.Context, keyName string) (string, error) {
	out, err := p.api.RunInstances(ctx, p.runInstanceInput(keyName))
	if err != nil {
		return "", p.wrapError("RunInstances", "", keyName, err)
	}
	if len(out.Instances) == 0 || aws.ToString(out.Instances[0].InstanceId) == "" {
		return "", &ProvisionError{Op: "RunInstances", KeyName: keyName, Err: errors.New("no instance returned")}
	}
	return aws.ToString(out.Instances[0].InstanceId), nil
}

// waitRunning polls until the instance reports running. There is no upper
// bound; only ctx ends the wait.
func (p *Provider) waitRunning(ctx context.Context, instanceID string) error {
	for {
		if err := p.sleep(ctx, p.cfg.PollInterval); err != nil {
			return err
		}
		running, err := p.isRunning(ctx, instanceID)
		if err != nil {
			return err
		}
		if running {
			return nil
		}
	}
}

// isRunning reports whether the instance state is running. A freshly launched
// instance may be unknown to the status API for a while; that reads as not
// running.
func (p *Provider) isRunning(ctx context.Context, instanceID string) (bool, error) {
	out, err := p.api.DescribeInstanceStatus(ctx, &ec2.DescribeInstanceStatusInput{
		InstanceIds:         []string{instanceID},
		IncludeAllInstances: aws.Bool(true),
	})
	if err != nil {
		err = classify(err)
		if errors.Is(err, ErrNotFound) {
			p.logger.Debug("Instance not visible yet", zap.String("instance_id", instanceID))
			return false, nil
		}
		return false, err
	}
	if len(out.InstanceStatuses) == 0 || out.InstanceStatuses[0].InstanceState == nil {
		return false, nil
	}
	return out.InstanceStatuses[0].InstanceState.Name == types.InstanceStateNameRunning, nil
}

func (p *Provider) publicAddress(ctx context.Context, instanceID string) (string, error) {
	out, err := p.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return "", p.wrapError("DescribeInstances", instanceID, "", err)
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return "", &ProvisionError{Op: "DescribeInstances", InstanceID: instanceID, Err: ErrNotFound}
	}
	ip := aws.ToString(out.Reservations[0].Instances[0].PublicIpAddress)
	if ip == "" {
		return "", &ProvisionError{Op: "DescribeInstances", InstanceID: instanceID, Err: ErrNoPublicAddress}
	}
	return ip, nil
}

func (p *Provider) release(ctx context.Context, instanceID, keyName string) error {
	if _, err := p.api.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{KeyName: aws.String(keyName)}); err != nil {
		return p.wrapError("DeleteKeyPair", instanceID, keyName, err)
	}
	if _, err := p.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{instanceID}}); err != nil {
		return p.wrapError("TerminateInstances", instanceID, keyName, err)
	}
	return nil
}
