package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"go.uber.org/zap"

	"guard-service/internal/config"
	"guard-service/internal/models"
	"guard-service/internal/util"
)

const (
	sealVersionKMS   = "kms-v1"
	sealVersionLocal = "local-v1"
	localKeyID       = "local"

	// DefaultDataKeyTTL bounds how long one data key seals new fields.
	DefaultDataKeyTTL = time.Hour
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// KMSAPI is the subset of the KMS client used for envelope encryption.
type KMSAPI interface {
	GenerateDataKey(ctx context.Context, in *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

type DataKey struct {
	Plaintext  []byte
	Ciphertext []byte
	KeyID      string
	createdAt  time.Time
}

// EncryptionManager seals short fields (guard keys in evidence) with
// AES-256-GCM under a data key. With KMS enabled the data key is wrapped
// by the configured CMK; otherwise it is process-local and sealed values
// can only be opened by the same process.
type EncryptionManager struct {
	kmsClient  KMSAPI
	kmsEnabled bool
	kmsKeyID   string
	dataKeyTTL time.Duration
	now        func() time.Time

	mu       sync.Mutex
	current  *DataKey
	keyCache sync.Map // encrypted DEK (base64) -> plaintext DEK
}

// NewKMSClient builds a KMS client from the default AWS credential chain.
func NewKMSClient(ctx context.Context, cfg *config.Config) (*kms.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.KMS.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return kms.NewFromConfig(awsCfg), nil
}

func NewEncryptionManager(cfg *config.Config, kmsClient KMSAPI) *EncryptionManager {
	return &EncryptionManager{
		kmsClient:  kmsClient,
		kmsEnabled: cfg.KMS.Enabled && kmsClient != nil,
		kmsKeyID:   cfg.KMS.KeyID,
		dataKeyTTL: DefaultDataKeyTTL,
		now:        time.Now,
	}
}

// dataKey returns the current data key, generating a new one once the
// previous one is older than dataKeyTTL.
func (em *EncryptionManager) dataKey(ctx context.Context) (*DataKey, error) {
	em.mu.Lock()
	defer em.mu.Unlock()

	if em.current != nil && em.now().Sub(em.current.createdAt) < em.dataKeyTTL {
		return em.current, nil
	}

	var (
		dk  *DataKey
		err error
	)
	if em.kmsEnabled {
		dk, err = em.generateKMSKey(ctx)
	} else {
		dk, err = generateLocalKey()
	}
	if err != nil {
		return nil, err
	}
	dk.createdAt = em.now()
	em.keyCache.Store(base64.StdEncoding.EncodeToString(dk.Ciphertext), dk.Plaintext)
	em.current = dk

	util.Debug("Data key rotated", zap.String("key_id", dk.KeyID), zap.Bool("kms", em.kmsEnabled))
	return dk, nil
}

func (em *EncryptionManager) generateKMSKey(ctx context.Context) (*DataKey, error) {
	out, err := em.kmsClient.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(em.kmsKeyID),
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	return &DataKey{
		Plaintext:  out.Plaintext,
		Ciphertext: out.CiphertextBlob,
		KeyID:      em.kmsKeyID,
	}, nil
}

func generateLocalKey() (*DataKey, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate local key: %w", err)
	}
	// the "wrapped" form is a random handle; the key itself never leaves
	// the process cache
	handle := make([]byte, 16)
	if _, err := rand.Read(handle); err != nil {
		return nil, fmt.Errorf("failed to generate local key handle: %w", err)
	}
	return &DataKey{Plaintext: key, Ciphertext: handle, KeyID: localKeyID}, nil
}

// SealField encrypts plaintext under the current data key.
func (em *EncryptionManager) SealField(ctx context.Context, plaintext string) (*models.SealedKey, error) {
	dk, err := em.dataKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncryptionFailed, err)
	}

	gcm, err := newGCM(dk.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncryptionFailed, err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncryptionFailed, err)
	}

	version := sealVersionLocal
	if em.kmsEnabled {
		version = sealVersionKMS
	}
	return &models.SealedKey{
		Ciphertext:   base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, []byte(plaintext), nil)),
		EncryptedDEK: base64.StdEncoding.EncodeToString(dk.Ciphertext),
		KeyID:        dk.KeyID,
		Version:      version,
	}, nil
}

// OpenField reverses SealField.
func (em *EncryptionManager) OpenField(ctx context.Context, sealed *models.SealedKey) (string, error) {
	if sealed == nil {
		return "", fmt.Errorf("%w: nil sealed value", ErrDecryptionFailed)
	}

	dek, err := em.unwrap(ctx, sealed)
	if err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(sealed.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext format", ErrDecryptionFailed)
	}
	gcm, err := newGCM(dek)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
	}
	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	nonce, body := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
	}
	return string(plaintext), nil
}

func (em *EncryptionManager) unwrap(ctx context.Context, sealed *models.SealedKey) ([]byte, error) {
	if cached, ok := em.keyCache.Load(sealed.EncryptedDEK); ok {
		return cached.([]byte), nil
	}
	if sealed.Version != sealVersionKMS || !em.kmsEnabled {
		return nil, fmt.Errorf("%w: data key not available in this process", ErrDecryptionFailed)
	}

	blob, err := base64.StdEncoding.DecodeString(sealed.EncryptedDEK)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid DEK format", ErrDecryptionFailed)
	}
	out, err := em.kmsClient.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: blob,
		KeyId:          aws.String(sealed.KeyID),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decrypt DEK: %w", ErrDecryptionFailed, err)
	}
	em.keyCache.Store(sealed.EncryptedDEK, out.Plaintext)
	return out.Plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// ClearCache drops every cached data key, including the current one.
func (em *EncryptionManager) ClearCache() {
	em.mu.Lock()
	em.current = nil
	em.mu.Unlock()

	em.keyCache.Range(func(key, _ interface{}) bool {
		em.keyCache.Delete(key)
		return true
	})
}

func (em *EncryptionManager) GetCacheSize() int {
	count := 0
	em.keyCache.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}
