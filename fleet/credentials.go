package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"golang.org/x/crypto/ssh"
)

// Credentials is the key pair shared read-only by every instance of a run.
// It is created once per run and deleted exactly once at teardown.
type Credentials struct {
	KeyName string
	KeyID   string
	Signer  ssh.Signer
}

// AccessPolicy is the security group permitting inbound SSH to the fleet.
type AccessPolicy struct {
	GroupID   string
	GroupName string
}

// Provision creates the run's key pair and a security group in the default
// VPC allowing inbound TCP 22 only. On error the returned credentials and
// policy may be non-nil when those resources were already created; the
// caller is expected to deprovision whatever came back.
func (m *Manager) Provision(ctx context.Context) (*Credentials, *AccessPolicy, error) {
	keyPair, err := m.ec2.CreateKeyPair(ctx, &ec2.CreateKeyPairInput{
		KeyName:   aws.String(m.resourceName("key")),
		KeyType:   ec2Types.KeyTypeEd25519,
		KeyFormat: ec2Types.KeyFormatPem,
	})
	if err != nil {
		return nil, nil, &ProvisionError{Resource: "key pair", Err: err}
	}
	creds := &Credentials{
		KeyName: aws.ToString(keyPair.KeyName),
		KeyID:   aws.ToString(keyPair.KeyPairId),
	}
	slog.Debug("created key pair", slog.String("ID", creds.KeyID))
	creds.Signer, err = ssh.ParsePrivateKey([]byte(aws.ToString(keyPair.KeyMaterial)))
	if err != nil {
		return creds, nil, &ProvisionError{Resource: "key pair", Err: fmt.Errorf("parsing key material: %w", err)}
	}

	vpcs, err := m.ec2.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{
		Filters: []ec2Types.Filter{{Name: aws.String("isDefault"), Values: []string{"true"}}},
	})
	if err != nil {
		return creds, nil, &ProvisionError{Resource: "security group", Err: err}
	}
	if len(vpcs.Vpcs) == 0 {
		return creds, nil, &ProvisionError{Resource: "security group", Err: errors.New("account has no default VPC")}
	}

	groupName := m.resourceName("ssh")
	sg, err := m.ec2.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(groupName),
		Description: aws.String(fmt.Sprintf("SSH ingress for fsbench run %s", m.runID)),
		VpcId:       vpcs.Vpcs[0].VpcId,
	})
	if err != nil {
		return creds, nil, &ProvisionError{Resource: "security group", Err: err}
	}
	policy := &AccessPolicy{GroupID: aws.ToString(sg.GroupId), GroupName: groupName}
	slog.Debug("created security group", slog.String("ID", policy.GroupID))

	_, err = m.ec2.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId: sg.GroupId,
		IpPermissions: []ec2Types.IpPermission{
			{
				FromPort:   aws.Int32(22),
				ToPort:     aws.Int32(22),
				IpProtocol: aws.String("tcp"),
				IpRanges:   []ec2Types.IpRange{{CidrIp: aws.String("0.0.0.0/0")}},
			},
		},
	})
	if err != nil {
		return creds, policy, &ProvisionError{Resource: "security group", Err: err}
	}
	return creds, policy, nil
}

// Deprovision deletes the security group and then the key pair. Resources
// the provider no longer knows about count as deleted. Errors are collected,
// not raised; teardown never stops at the first failure.
func (m *Manager) Deprovision(ctx context.Context, creds *Credentials, policy *AccessPolicy) []error {
	var errs []error
	if policy != nil {
		_, err := m.ec2.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: aws.String(policy.GroupID)})
		if err != nil && !isNotFound(err) {
			slog.Error("DeleteSecurityGroup failed", slog.String("ID", policy.GroupID), slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("delete security group %s: %w", policy.GroupID, err))
		} else {
			slog.Debug("deleted security group", slog.String("ID", policy.GroupID))
		}
	}
	if creds != nil {
		_, err := m.ec2.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{KeyPairId: aws.String(creds.KeyID)})
		if err != nil && !isNotFound(err) {
			slog.Error("DeleteKeyPair failed", slog.String("ID", creds.KeyID), slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("delete key pair %s: %w", creds.KeyID, err))
		} else {
			slog.Debug("deleted key pair", slog.String("ID", creds.KeyID))
		}
	}
	return errs
}
