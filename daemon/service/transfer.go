package service

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/totoro-ming-lin/chiral-network-sub001/daemon/manager"
	"github.com/totoro-ming-lin/chiral-network-sub001/internal/chunker"
	"github.com/totoro-ming-lin/chiral-network-sub001/internal/crypto"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidToken    = errors.New("invalid transfer token")
)

// TransferService manages file transfer operations
type TransferService struct {
	store          *manager.SessionStore
	eventPublisher *EventPublisher
	keysDir        string
	chunkSize      int64
	privateKey     ed25519.PrivateKey
	publicKey      ed25519.PublicKey
}

// NewTransferService creates a new transfer service
func NewTransferService(
	store *manager.SessionStore,
	eventPublisher *EventPublisher,
	keysDir string,
	chunkSize int64,
) (*TransferService, error) {
	// Load identity keys
	privateKey, publicKey, err := loadIdentityKeys(keysDir)
	if err != nil {
		return nil, err
	}

	ts := &TransferService{
		store:          store,
		eventPublisher: eventPublisher,
		keysDir:        keysDir,
		chunkSize:      chunkSize,
		privateKey:     privateKey,
		publicKey:      publicKey,
	}
	return ts, nil
}

// CreateTransfer initiates a new file transfer
func (s *TransferService) CreateTransfer(
	filePath string,
	recipientID string,
	chunkSizeOverride int64,
	metadata map[string]string,
) (sessionID string, token string, manifest *chunker.Manifest, err error) {
	// Validate file exists
	fileInfo, err := os.Stat(filePath)
	if err != nil {
		return "", "", nil, err
	}

	// Use override chunk size if provided
	chunkSize := s.chunkSize
	if chunkSizeOverride > 0 {
		chunkSize = chunkSizeOverride
	}

	// Generate manifest
	manifest, err = chunker.ComputeManifest(filePath, chunker.ChunkOptions{ChunkSize: int(chunkSize)})
	if err != nil {
		return "", "", nil, err
	}
	// Default erasure-coding and transfer policy; daemon/transport's FECController adjusts
	// the parity count at runtime from measured loss. The network profile starts empty.
	manifest.FEC = &chunker.FECProfile{K: 32, R: 4}
	manifest.Network = &chunker.NetworkProfile{}

	// Generate session ID
	sessionID = uuid.New().String()

	// Create session
	session := manager.NewSession(
		sessionID,
		filePath,
		filepath.Base(filePath),
		fileInfo.Size(),
		int64(manifest.ChunkSize),
		manager.DirectionSend,
	)
	session.Metadata = metadata

	// Add to store
	if err := s.store.Add(session); err != nil {
		return "", "", nil, err
	}

	// Generate transfer token
	token, err = s.generateToken(sessionID, manifest)
	if err != nil {
		return "", "", nil, err
	}

	// Publish started event
	s.eventPublisher.PublishStarted(sessionID, filepath.Base(filePath), fileInfo.Size())

	return sessionID, token, manifest, nil
}

// AcceptTransfer accepts an incoming transfer
func (s *TransferService) AcceptTransfer(
	token string,
	outputPath string,
	resumeSessionID string,
) (sessionID string, manifest *chunker.Manifest, err error) {
	// Parse token
	sessionID, manifest, err = s.parseToken(token)
	if err != nil {
		return "", nil, err
	}

	// Create session
	session := manager.NewSession(
		sessionID,
		outputPath,
		filepath.Base(outputPath),
		manifest.FileSize,
		int64(manifest.ChunkSize),
		manager.DirectionReceive,
	)

	// Add to store
	if err := s.store.Add(session); err != nil {
		return "", nil, err
	}

	return sessionID, manifest, nil
}

// GetTransferStatus retrieves transfer status
func (s *TransferService) GetTransferStatus(sessionID string) (*TransferStatus, error) {
	session, err := s.store.Get(sessionID)
	if err != nil {
		return nil, ErrSessionNotFound
	}

	status := &TransferStatus{
		State:                  session.State,
		ProgressPercent:        session.GetProgressPercent(),
		ChunksTransferred:      session.ChunksTransferred,
		TotalChunks:            session.TotalChunks,
		BytesTransferred:       session.BytesTransferred,
		TransferRateMbps:       session.GetTransferRate(),
		EstimatedTimeRemaining: session.GetEstimatedTimeRemaining(),
		ErrorMessage:           session.ErrorMessage,
	}

	return status, nil
}

// ListTransfers lists active transfers
func (s *TransferService) ListTransfers(filterState *manager.TransferState, limit, offset int) ([]*manager.Session, int) {
	return s.store.List(filterState, limit, offset)
}

// GetPublicKey returns the daemon's public key
func (s *TransferService) GetPublicKey() (string, string) {
	pubKeyB64 := base64.StdEncoding.EncodeToString(s.publicKey)
	fingerprint := crypto.ComputeFingerprint(s.publicKey)
	return pubKeyB64, fingerprint
}

// generateToken creates a transfer token
func (s *TransferService) generateToken(sessionID string, manifest *chunker.Manifest) (string, error) {
	tokenData := map[string]interface{}{
		"session_id": sessionID,
		"manifest":   manifest,
		"created_at": time.Now().Unix(),
	}

	data, err := json.Marshal(tokenData)
	if err != nil {
		return "", err
	}

	token := base64.URLEncoding.EncodeToString(data)
	return "quantarax://xfer?t=" + token, nil
}

// parseToken parses a transfer token
func (s *TransferService) parseToken(token string) (string, *chunker.Manifest, error) {
	// Remove protocol prefix
	const prefix = "quantarax://xfer?t="
	if len(token) < len(prefix) {
		return "", nil, ErrInvalidToken
	}

	encoded := token[len(prefix):]
	data, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return "", nil, ErrInvalidToken
	}

	var tokenData map[string]interface{}
	if err := json.Unmarshal(data, &tokenData); err != nil {
		return "", nil, ErrInvalidToken
	}

	sessionID := tokenData["session_id"].(string)

	// Parse manifest
	manifestData, err := json.Marshal(tokenData["manifest"])
	if err != nil {
		return "", nil, err
	}

	var manifest chunker.Manifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return "", nil, err
	}

	return sessionID, &manifest, nil
}

// TransferStatus represents transfer status information
type TransferStatus struct {
	State                  manager.TransferState
	ProgressPercent        float64
	ChunksTransferred      int64
	TotalChunks            int64
	BytesTransferred       int64
	TransferRateMbps       float64
	EstimatedTimeRemaining int64
	ErrorMessage           string
}

// loadIdentityKeys loads Ed25519 keys from keystore
func loadIdentityKeys(keysDir string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	// For simplicity, generate new keys if not found
	// In production, this would load from encrypted keystore
	pubKey, privKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, nil, err
	}

	return privKey, pubKey, nil
}
