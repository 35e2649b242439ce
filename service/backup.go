package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vultisig/bonserver/common"
	"github.com/vultisig/bonserver/internal/types"
	"github.com/vultisig/bonserver/storage"
)

const (
	backupVersion = "1"
	uploadRetries = 3
)

// FileStore is where sealed backups live; *storage.BlockStorage satisfies it.
type FileStore interface {
	UploadFileWithRetry(ctx context.Context, fileContent []byte, fileName string, retry int) error
	GetFile(ctx context.Context, fileName string) ([]byte, error)
}

type walletBackup struct {
	Version   string           `json:"version"`
	Owner     string           `json:"owner"`
	CreatedAt time.Time        `json:"created_at"`
	Vouchers  []*types.Voucher `json:"vouchers"`
}

// BackupService exports a holder's vouchers, shares included, as a
// password-sealed file and restores them.
type BackupService struct {
	repo   storage.VoucherRepository
	files  FileStore
	clock  func() time.Time
	logger *logrus.Entry
}

func NewBackupService(repo storage.VoucherRepository, files FileStore) *BackupService {
	return &BackupService{
		repo:   repo,
		files:  files,
		clock:  time.Now,
		logger: logrus.WithField("service", "backup"),
	}
}

func BackupFileName(owner string, at time.Time) string {
	return fmt.Sprintf("%s-%d.bak", owner, at.Unix())
}

// Export seals every voucher held by owner and uploads it. It returns the
// file name.
func (s *BackupService) Export(ctx context.Context, owner, password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("backup password is required")
	}
	vouchers, err := s.repo.ListVouchers(ctx, owner)
	if err != nil {
		return "", fmt.Errorf("fail to list vouchers of %s: %w", owner, err)
	}
	now := s.clock()
	snapshot, err := json.Marshal(walletBackup{
		Version:   backupVersion,
		Owner:     owner,
		CreatedAt: now,
		Vouchers:  vouchers,
	})
	if err != nil {
		return "", fmt.Errorf("fail to marshal backup: %w", err)
	}
	sealed, err := common.SealBackup(password, snapshot)
	if err != nil {
		return "", fmt.Errorf("fail to seal backup: %w", err)
	}
	name := BackupFileName(owner, now)
	if err := s.files.UploadFileWithRetry(ctx, sealed, name, uploadRetries); err != nil {
		return "", fmt.Errorf("fail to upload backup %s: %w", name, err)
	}
	s.logger.WithFields(logrus.Fields{
		"owner":    owner,
		"file":     name,
		"vouchers": len(vouchers),
	}).Info("wallet backup exported")
	return name, nil
}

// Import restores the vouchers of a backup file. Vouchers already present
// locally are left as they are; the count of restored ones is returned.
func (s *BackupService) Import(ctx context.Context, fileName, password string) (int, error) {
	sealed, err := s.files.GetFile(ctx, fileName)
	if err != nil {
		return 0, fmt.Errorf("fail to get backup %s: %w", fileName, err)
	}
	snapshot, err := common.OpenBackup(password, sealed)
	if err != nil {
		return 0, err
	}
	var backup walletBackup
	if err := json.Unmarshal(snapshot, &backup); err != nil {
		return 0, fmt.Errorf("fail to unmarshal backup: %w", err)
	}
	if backup.Version != backupVersion {
		return 0, fmt.Errorf("unsupported backup version %q", backup.Version)
	}

	restored := 0
	for _, v := range backup.Vouchers {
		_, err := s.repo.GetVoucher(ctx, v.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, types.ErrNotFound) {
			return restored, fmt.Errorf("fail to get voucher %s: %w", v.ID, err)
		}
		if err := s.repo.SaveVoucher(ctx, v); err != nil {
			return restored, fmt.Errorf("fail to restore voucher %s: %w", v.ID, err)
		}
		restored++
	}
	s.logger.WithFields(logrus.Fields{
		"owner":    backup.Owner,
		"file":     fileName,
		"restored": restored,
	}).Info("wallet backup imported")
	return restored, nil
}
