package wallet

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "OpenWallet-Chain/internal/errors"
)

// authorizationKeyPrefix 是配置里私钥的统一前缀，其后是 base64 编码的
// PKCS#8 DER。
const authorizationKeyPrefix = "wallet-auth:"

// CanonicalizeJSON 将值序列化为规范化 JSON:
// 对象键按字典序排序、无多余空白、布尔与 null 使用字面量、
// 字节串编码为 0x 前缀十六进制字符串。签名方与校验方必须对同一
// 载荷算出逐字节相同的串，任何偏差都会导致签名校验失败。
func CanonicalizeJSON(value any) ([]byte, error) {
	var b strings.Builder
	if err := canonicalize(&b, value); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

func canonicalize(b *strings.Builder, value any) error {
	switch v := value.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if v {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case string:
		return writeJSONScalar(b, v)
	case []byte:
		hexStr := "0x" + hex.EncodeToString(v)
		return writeJSONScalar(b, hexStr)
	case common.Address:
		return writeJSONScalar(b, "0x"+hex.EncodeToString(v.Bytes()))
	case common.Hash:
		return writeJSONScalar(b, "0x"+hex.EncodeToString(v.Bytes()))
	case int:
		fmt.Fprintf(b, "%d", v)
	case int64:
		fmt.Fprintf(b, "%d", v)
	case uint64:
		fmt.Fprintf(b, "%d", v)
	case float64:
		return writeJSONScalar(b, v)
	case json.Number:
		b.WriteString(v.String())
	case []any:
		b.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := canonicalize(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeJSONScalar(b, k); err != nil {
				return err
			}
			b.WriteByte(':')
			if err := canonicalize(b, v[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	default:
		return fmt.Errorf("规范化 JSON 不支持的类型 %T", value)
	}
	return nil
}

func writeJSONScalar(b *strings.Builder, v any) error {
	encoded, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b.Write(encoded)
	return nil
}

// AuthorizationKeySet 持有服务端 P-256 授权私钥。每个对外签名请求都会
// 附带所有可用密钥的签名，密钥轮换期间新旧并存。
type AuthorizationKeySet struct {
	keys         []*ecdsa.PrivateKey
	fingerprints []string
}

// LoadAuthorizationKeys 解析配置中的授权私钥。
// 格式: "wallet-auth:" + base64(PKCS#8 DER)。非 P-256 的密钥被拒绝。
func LoadAuthorizationKeys(rawKeys []string) (*AuthorizationKeySet, error) {
	set := &AuthorizationKeySet{}
	for i, raw := range rawKeys {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		der, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(raw, authorizationKeyPrefix))
		if err != nil {
			return nil, fmt.Errorf("授权密钥 #%d 不是合法的 base64: %w", i, err)
		}
		parsed, err := x509.ParsePKCS8PrivateKey(der)
		if err != nil {
			return nil, fmt.Errorf("授权密钥 #%d 解析失败: %w", i, err)
		}
		key, ok := parsed.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("授权密钥 #%d 不是 EC 私钥", i)
		}
		if key.Curve != elliptic.P256() {
			return nil, fmt.Errorf("授权密钥 #%d 曲线必须是 P-256，实际 %s", i, key.Curve.Params().Name)
		}
		fp, err := keyFingerprint(&key.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("授权密钥 #%d 指纹计算失败: %w", i, err)
		}
		set.keys = append(set.keys, key)
		set.fingerprints = append(set.fingerprints, fp)
	}
	return set, nil
}

// keyFingerprint 取公钥 SPKI DER 的 SHA-256 前 16 个十六进制字符。
// 日志里只允许出现指纹，绝不允许出现密钥材料。
func keyFingerprint(pub *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(der)
	return hex.EncodeToString(digest[:])[:16], nil
}

// Empty 报告是否没有可用密钥。
func (s *AuthorizationKeySet) Empty() bool {
	return s == nil || len(s.keys) == 0
}

// Fingerprints 返回全部密钥指纹，用于审计日志。
func (s *AuthorizationKeySet) Fingerprints() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.fingerprints...)
}

// PublicKeys 返回 base64 编码的 SPKI DER 公钥，供创建密钥仲裁组使用。
func (s *AuthorizationKeySet) PublicKeys() ([]string, error) {
	if s == nil {
		return nil, nil
	}
	out := make([]string, 0, len(s.keys))
	for _, key := range s.keys {
		der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
		if err != nil {
			return nil, err
		}
		out = append(out, base64.StdEncoding.EncodeToString(der))
	}
	return out, nil
}

// SignedPayload 是一次授权签名的结果。
type SignedPayload struct {
	// Signatures 是按密钥顺序排列的 base64 DER 签名，逗号拼接后作为
	// 请求头发送。
	Signatures []string
	// Digest 是规范化载荷 SHA-256 的前 16 个十六进制字符，仅用于日志
	// 关联，不参与协议。
	Digest string
}

// Sign 对载荷做规范化 JSON 序列化后用全部密钥签名。
func (s *AuthorizationKeySet) Sign(payload any) (*SignedPayload, error) {
	if s.Empty() {
		return nil, xerrors.New(CodeSignatureRejected, "没有可用的授权密钥")
	}
	serialized, err := CanonicalizeJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("规范化授权载荷失败: %w", err)
	}
	digest := sha256.Sum256(serialized)

	signatures := make([]string, 0, len(s.keys))
	for _, key := range s.keys {
		sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
		if err != nil {
			return nil, xerrors.Wrap(CodeSignatureRejected, err, "授权签名失败")
		}
		signatures = append(signatures, base64.StdEncoding.EncodeToString(sig))
	}
	return &SignedPayload{
		Signatures: signatures,
		Digest:     hex.EncodeToString(digest[:])[:16],
	}, nil
}

// Verify 用任意一把密钥的公钥校验签名，主要供测试使用。
func (s *AuthorizationKeySet) Verify(payload any, signatureB64 string) (bool, error) {
	serialized, err := CanonicalizeJSON(payload)
	if err != nil {
		return false, err
	}
	digest := sha256.Sum256(serialized)
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false, err
	}
	for _, key := range s.keys {
		if ecdsa.VerifyASN1(&key.PublicKey, digest[:], sig) {
			return true, nil
		}
	}
	return false, nil
}

// HashSigner 对 32 字节摘要出具 65 字节 r‖s‖v 签名。
// 托管实现持有密钥本体；外部签名服务实现通过网络调用完成。
type HashSigner interface {
	// SignHash 用 keyID 对应的密钥签名摘要。
	SignHash(ctx context.Context, keyID string, digest common.Hash) ([65]byte, error)
	// Address 返回 keyID 对应的 EOA 地址。
	Address(keyID string) (common.Address, error)
}

// LocalHashSigner 是进程内的托管签名器，按 keyID 管理 secp256k1 私钥。
type LocalHashSigner struct {
	mu   sync.RWMutex
	keys map[string]*ecdsa.PrivateKey
}

// NewLocalHashSigner 创建空的托管签名器。
func NewLocalHashSigner() *LocalHashSigner {
	return &LocalHashSigner{keys: make(map[string]*ecdsa.PrivateKey)}
}

// ImportKey 导入十六进制编码的 secp256k1 私钥。
func (s *LocalHashSigner) ImportKey(keyID, hexKey string) (common.Address, error) {
	if err := ValidateOwnerKeyID(keyID); err != nil {
		return common.Address{}, err
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return common.Address{}, xerrors.Wrap(CodeSignatureRejected, err, "导入私钥失败")
	}
	s.mu.Lock()
	s.keys[keyID] = key
	s.mu.Unlock()
	return crypto.PubkeyToAddress(key.PublicKey), nil
}

// GenerateKey 生成新密钥并以 keyID 注册。
func (s *LocalHashSigner) GenerateKey(keyID string) (common.Address, error) {
	if err := ValidateOwnerKeyID(keyID); err != nil {
		return common.Address{}, err
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return common.Address{}, err
	}
	s.mu.Lock()
	s.keys[keyID] = key
	s.mu.Unlock()
	return crypto.PubkeyToAddress(key.PublicKey), nil
}

func (s *LocalHashSigner) lookup(keyID string) (*ecdsa.PrivateKey, error) {
	s.mu.RLock()
	key, ok := s.keys[keyID]
	s.mu.RUnlock()
	if !ok {
		return nil, xerrors.New(CodeSignatureRejected, fmt.Sprintf("未知的签名密钥: %s", keyID))
	}
	return key, nil
}

// SignHash 实现 HashSigner，返回 v 已规整为 27/28 的签名。
func (s *LocalHashSigner) SignHash(ctx context.Context, keyID string, digest common.Hash) ([65]byte, error) {
	var out [65]byte
	key, err := s.lookup(keyID)
	if err != nil {
		return out, err
	}
	raw, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return out, xerrors.Wrap(CodeSignatureRejected, err, "签名摘要失败")
	}
	return NormalizeSignature(raw)
}

// Address 实现 HashSigner。
func (s *LocalHashSigner) Address(keyID string) (common.Address, error) {
	key, err := s.lookup(keyID)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(key.PublicKey), nil
}
