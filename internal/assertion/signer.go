package assertion

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jws"
	"github.com/thanoskit/tokenbroker/internal/autherr"
)

// KMSClient is the part of the AWS KMS API used to sign assertions.
type KMSClient interface {
	Sign(ctx context.Context, in *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
}

// KMSKey stands in for the service account private key when that key is held
// in AWS KMS. Pass it to Builder.Build like any other key.
type KMSKey struct {
	ctx    context.Context
	client KMSClient
	arn    string
}

// NewKMSSigningKey loads the default AWS configuration and returns a key that
// signs with the asymmetric KMS key arn.
func NewKMSSigningKey(ctx context.Context, arn string) (*KMSKey, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, autherr.Signing("loading AWS configuration for KMS signing", err)
	}

	return NewKMSSigningKeyWithClient(ctx, kms.NewFromConfig(cfg), arn)
}

func NewKMSSigningKeyWithClient(ctx context.Context, client KMSClient, arn string) (*KMSKey, error) {
	if arn == "" {
		return nil, autherr.Signing("KMS signing key ARN is empty", nil)
	}

	return &KMSKey{ctx: ctx, client: client, arn: arn}, nil
}

// ARN identifies the KMS key.
func (k *KMSKey) ARN() string { return k.arn }

// sign asks KMS for an RSASSA-PKCS1-v1_5 SHA-256 signature over the digest of
// signingInput.
func (k *KMSKey) sign(signingInput []byte) ([]byte, error) {
	digest := sha256.Sum256(signingInput)

	out, err := k.client.Sign(k.ctx, &kms.SignInput{
		KeyId:            aws.String(k.arn),
		Message:          digest[:],
		MessageType:      types.MessageTypeDigest,
		SigningAlgorithm: types.SigningAlgorithmSpecRsassaPkcs1V15Sha256,
	})
	if err != nil {
		return nil, fmt.Errorf("KMS signing failed for %s: %w", k.arn, err)
	}

	return out.Signature, nil
}

// rs256Router replaces the registered RS256 signer. Local RSA keys keep using
// the library signer; KMS keys sign remotely.
type rs256Router struct {
	local jws.Signer2
}

func (r *rs256Router) Algorithm() jwa.SignatureAlgorithm {
	return jwa.RS256()
}

func (r *rs256Router) Sign(key any, signingInput []byte) ([]byte, error) {
	switch k := key.(type) {
	case *KMSKey:
		return k.sign(signingInput)
	case *rsa.PrivateKey, jwk.Key:
		return r.local.Sign(k, signingInput)
	}
	return nil, fmt.Errorf("unsupported key type for RS256: %T", key)
}

var (
	registerOnce sync.Once
	registerErr  error
)

func registerRS256() error {
	registerOnce.Do(func() {
		local, err := jws.SignerFor(jwa.RS256())
		if err != nil {
			registerErr = fmt.Errorf("looking up RS256 signer: %w", err)
			return
		}
		registerErr = jws.RegisterSigner(jwa.RS256(), &rs256Router{local: local})
	})
	return registerErr
}

// MustRegisterSigner routes RS256 signing through rs256Router so that jwt.Sign
// accepts a *KMSKey. It panics on failure.
func MustRegisterSigner() {
	if err := registerRS256(); err != nil {
		panic(fmt.Sprintf("registering RS256 signer: %v", err))
	}
}

func init() {
	MustRegisterSigner()
}
