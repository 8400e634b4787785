package keyring

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Local 在进程内保管密钥材料，供测试与单机部署使用。
// 私钥从不离开本包，外部只能通过 Signer 接口请求签名。
type Local struct {
	mu   sync.RWMutex
	keys map[common.Address]*ecdsa.PrivateKey
}

// NewLocal 创建空的本地密钥环。
func NewLocal() *Local {
	return &Local{keys: make(map[common.Address]*ecdsa.PrivateKey)}
}

// Generate 生成一把新密钥并返回其签名地址。
func (l *Local) Generate() (common.Address, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return common.Address{}, fmt.Errorf("生成密钥失败: %w", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	l.mu.Lock()
	l.keys[addr] = key
	l.mu.Unlock()
	return addr, nil
}

// ImportHex 导入十六进制编码的私钥并返回其签名地址。
func (l *Local) ImportHex(hexKey string) (common.Address, error) {
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return common.Address{}, fmt.Errorf("解析私钥失败: %w", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	l.mu.Lock()
	l.keys[addr] = key
	l.mu.Unlock()
	return addr, nil
}

// LoadDir 从目录加载密钥材料。目录下每个 .key 文件保存一把
// 十六进制编码的私钥。目录不存在时返回空密钥环。
func LoadDir(dir string) (*Local, error) {
	l := NewLocal()
	if strings.TrimSpace(dir) == "" {
		return l, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, fmt.Errorf("读取密钥目录失败: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".key" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("读取密钥文件 %s 失败: %w", entry.Name(), err)
		}
		hexKey := strings.TrimSpace(string(raw))
		hexKey = strings.TrimPrefix(hexKey, "0x")
		if _, err := l.ImportHex(hexKey); err != nil {
			return nil, fmt.Errorf("导入密钥文件 %s 失败: %w", entry.Name(), err)
		}
	}
	return l, nil
}

// Sign 实现 Signer 接口。找不到密钥材料时硬失败。
func (l *Local) Sign(_ context.Context, signer common.Address, digest common.Hash) ([]byte, error) {
	l.mu.RLock()
	key, ok := l.keys[signer]
	l.mu.RUnlock()
	if !ok {
		return nil, ErrSigningKeyUnavailable
	}
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, fmt.Errorf("签名失败: %w", err)
	}
	// 合约侧校验使用 27/28 作为恢复标识。
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// SignTyped 实现 Signer 接口的 EIP-712 路径。
func (l *Local) SignTyped(ctx context.Context, signer common.Address, typed apitypes.TypedData) ([]byte, error) {
	digest, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return nil, fmt.Errorf("计算类型化数据摘要失败: %w", err)
	}
	return l.Sign(ctx, signer, common.BytesToHash(digest))
}

var _ Signer = (*Local)(nil)
