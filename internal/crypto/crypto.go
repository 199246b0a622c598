// Package crypto implements the coordinator's crypto pipeline: a process-wide
// key-encryption key (KEK) wraps per-file data-encryption keys (DEKs); DEKs
// are further derived per-chunk via HKDF, and chunks are sealed with
// AES-256-GCM binding their logical identity as associated data.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/jaywantadh/fabricd/internal/model"
)

const (
	kekSize   = 32
	dekSize   = 32
	nonceSize = 12
	tagSize   = 16
	dekIDSize = 16
)

// Pipeline is the process-wide crypto handle returned by Initialize. It is
// the only long-lived global the design permits (per DESIGN NOTES on
// singleton services): every other component receives it by reference.
type Pipeline struct {
	kek [kekSize]byte
}

// Initialize accepts a 32-byte KEK encoded as 64 hex characters. It must be
// called once before any other crypto operation.
func Initialize(kekHex string) (*Pipeline, error) {
	raw, err := hex.DecodeString(kekHex)
	if err != nil {
		return nil, fmt.Errorf("%w: kek_hex is not valid hex: %v", model.ErrConfigError, err)
	}
	if len(raw) != kekSize {
		return nil, fmt.Errorf("%w: kek must be %d bytes, got %d", model.ErrConfigError, kekSize, len(raw))
	}
	p := &Pipeline{}
	copy(p.kek[:], raw)
	return p, nil
}

func aeadFor(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// IssueWrappedDEK generates a fresh 32-byte DEK, wraps it under the KEK as
// nonce‖tag‖ct, and returns the wrapped hex string and a fresh dek_id. The
// plaintext DEK is zeroed before returning.
func (p *Pipeline) IssueWrappedDEK() (wrappedDEKHex string, dekID string, err error) {
	dek := make([]byte, dekSize)
	if _, err = io.ReadFull(rand.Reader, dek); err != nil {
		return "", "", fmt.Errorf("generate dek: %w", err)
	}
	defer zero(dek)

	aead, err := aeadFor(p.kek[:])
	if err != nil {
		return "", "", fmt.Errorf("build kek aead: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return "", "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, dek, nil)
	// sealed = ct‖tag (crypto/cipher appends the tag); wire format wants
	// nonce‖tag‖ct, so split and reassemble explicitly.
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	wrapped := make([]byte, 0, nonceSize+tagSize+len(ct))
	wrapped = append(wrapped, nonce...)
	wrapped = append(wrapped, tag...)
	wrapped = append(wrapped, ct...)

	idBytes := make([]byte, dekIDSize)
	if _, err = io.ReadFull(rand.Reader, idBytes); err != nil {
		return "", "", fmt.Errorf("generate dek id: %w", err)
	}

	return hex.EncodeToString(wrapped), hex.EncodeToString(idBytes), nil
}

// UnwrapDEK parses nonce‖tag‖ct and AEAD-decrypts it under the KEK.
func (p *Pipeline) UnwrapDEK(wrappedDEKHex string) ([]byte, error) {
	raw, err := hex.DecodeString(wrappedDEKHex)
	if err != nil {
		return nil, fmt.Errorf("%w: wrapped dek is not valid hex: %v", model.ErrCryptoMalformed, err)
	}
	if len(raw) < nonceSize+tagSize {
		return nil, fmt.Errorf("%w: wrapped dek too short", model.ErrCryptoMalformed)
	}

	nonce := raw[:nonceSize]
	tag := raw[nonceSize : nonceSize+tagSize]
	ct := raw[nonceSize+tagSize:]

	aead, err := aeadFor(p.kek[:])
	if err != nil {
		return nil, fmt.Errorf("build kek aead: %w", err)
	}

	sealed := append(append([]byte{}, ct...), tag...)
	dek, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dek tag mismatch", model.ErrAuth)
	}
	return dek, nil
}

// DeriveChunkKey runs HKDF-SHA256 over the DEK, salted with the file id and
// bound to the chunk index via the info string, yielding a 32-byte key
// unique per (file, chunk).
func DeriveChunkKey(dek []byte, fileID string, chunkIndex int) ([]byte, error) {
	info := fmt.Sprintf("chunk-%d", chunkIndex)
	kdf := hkdf.New(sha256.New, dek, []byte(fileID), []byte(info))
	key := make([]byte, dekSize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive chunk key: %w", err)
	}
	return key, nil
}

// DeriveChunkIV computes a deterministic 12-byte IV bound to (K, file_id,
// chunk_index): the first 12 bytes of HMAC-SHA256(K, file_id‖chunk_index).
func DeriveChunkIV(key []byte, fileID string, chunkIndex int) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(fileID))
	mac.Write(chunkIndexBytes(chunkIndex))
	sum := mac.Sum(nil)
	return sum[:nonceSize]
}

func chunkIndexBytes(idx int) []byte {
	return []byte(fmt.Sprintf("%d", idx))
}

// aadEnvelope is the canonical AAD bound to every chunk's ciphertext.
type aadEnvelope struct {
	FileID     string `json:"file_id"`
	ChunkIndex int    `json:"chunk_index"`
	Version    int    `json:"version"`
}

func buildAAD(fileID string, chunkIndex int) ([]byte, error) {
	env := aadEnvelope{FileID: fileID, ChunkIndex: chunkIndex, Version: 1}
	return json.Marshal(env)
}

// EncryptResult carries everything a Chunk row needs to record about its
// AEAD material.
type EncryptResult struct {
	Ciphertext []byte
	IV         []byte
	Tag        []byte
	AAD        []byte
	CTHash     string
}

// EncryptChunk unwraps the DEK, derives the per-chunk key and IV, seals the
// plaintext under AES-256-GCM with AAD binding (file_id, chunk_index,
// version), and returns the ciphertext plus its material. Key material is
// zeroed on every path before returning.
func (p *Pipeline) EncryptChunk(plaintext []byte, wrappedDEKHex, fileID string, chunkIndex int) (EncryptResult, error) {
	dek, err := p.UnwrapDEK(wrappedDEKHex)
	if err != nil {
		return EncryptResult{}, err
	}
	defer zero(dek)

	key, err := DeriveChunkKey(dek, fileID, chunkIndex)
	if err != nil {
		return EncryptResult{}, err
	}
	defer zero(key)

	iv := DeriveChunkIV(key, fileID, chunkIndex)
	aad, err := buildAAD(fileID, chunkIndex)
	if err != nil {
		return EncryptResult{}, err
	}

	aead, err := aeadFor(key)
	if err != nil {
		return EncryptResult{}, fmt.Errorf("build chunk aead: %w", err)
	}

	sealed := aead.Seal(nil, iv, plaintext, aad)
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	hash := sha256.Sum256(ct)

	return EncryptResult{
		Ciphertext: ct,
		IV:         iv,
		Tag:        tag,
		AAD:        aad,
		CTHash:     hex.EncodeToString(hash[:]),
	}, nil
}

// DecryptInput is everything DecryptChunk needs: the AEAD material recorded
// for a chunk plus the wrapped DEK and logical identity to re-derive its key.
type DecryptInput struct {
	Ciphertext    []byte
	IV            []byte
	Tag           []byte
	AAD           []byte
	CTHash        string
	WrappedDEKHex string
	FileID        string
	ChunkIndex    int
}

// DecryptChunk validates the recorded material, re-derives the chunk key and
// IV, and AEAD-opens the ciphertext. It fails ErrIntegrity on a ciphertext
// hash mismatch and ErrAuth on an AEAD tag or AAD mismatch.
func (p *Pipeline) DecryptChunk(in DecryptInput) ([]byte, error) {
	if len(in.IV) != nonceSize {
		return nil, fmt.Errorf("%w: iv must be %d bytes", model.ErrCryptoMalformed, nonceSize)
	}
	if len(in.Tag) != tagSize {
		return nil, fmt.Errorf("%w: tag must be %d bytes", model.ErrCryptoMalformed, tagSize)
	}

	gotHash := sha256.Sum256(in.Ciphertext)
	if hex.EncodeToString(gotHash[:]) != in.CTHash {
		return nil, fmt.Errorf("%w: ciphertext hash mismatch", model.ErrIntegrity)
	}

	dek, err := p.UnwrapDEK(in.WrappedDEKHex)
	if err != nil {
		return nil, err
	}
	defer zero(dek)

	key, err := DeriveChunkKey(dek, in.FileID, in.ChunkIndex)
	if err != nil {
		return nil, err
	}
	defer zero(key)

	expectedAAD, err := buildAAD(in.FileID, in.ChunkIndex)
	if err != nil {
		return nil, err
	}
	aad := in.AAD
	if aad == nil {
		aad = expectedAAD
	}

	aead, err := aeadFor(key)
	if err != nil {
		return nil, fmt.Errorf("build chunk aead: %w", err)
	}

	sealed := append(append([]byte{}, in.Ciphertext...), in.Tag...)
	plaintext, err := aead.Open(nil, in.IV, sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: chunk aead open failed", model.ErrAuth)
	}
	return plaintext, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
