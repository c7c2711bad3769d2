package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/custodian/config"
	"github.com/vultisig/custodian/internal/types"
)

const archivePrefix = "purged-transactions"

// Archiver keeps a copy of records before they are purged.
type Archiver interface {
	ArchiveTransactions(ctx context.Context, txs []*types.Transaction) error
}

// BlockStorage archives purged transaction records to an S3 compatible bucket.
type BlockStorage struct {
	bucket   string
	s3Client s3iface.S3API
	logger   *logrus.Logger
}

func NewBlockStorage(cfg config.Config) (*BlockStorage, error) {
	sess, err := session.NewSession(&aws.Config{
		Region:           aws.String(cfg.BlockStorage.Region),
		Endpoint:         aws.String(cfg.BlockStorage.Host),
		Credentials:      credentials.NewStaticCredentials(cfg.BlockStorage.AccessKey, cfg.BlockStorage.SecretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	return NewBlockStorageWithClient(s3.New(sess), cfg.BlockStorage.Bucket), nil
}

func NewBlockStorageWithClient(client s3iface.S3API, bucket string) *BlockStorage {
	return &BlockStorage{
		bucket:   bucket,
		s3Client: client,
		logger:   logrus.WithField("module", "block_storage").Logger,
	}
}

func archiveKey(tx *types.Transaction, at time.Time) string {
	return path.Join(archivePrefix, at.Format("2006-01-02"), tx.ID.String()+".json")
}

func (bs *BlockStorage) ArchiveTransactions(ctx context.Context, txs []*types.Transaction) error {
	now := time.Now().UTC()
	for _, tx := range txs {
		content, err := json.Marshal(tx)
		if err != nil {
			return fmt.Errorf("fail to marshal transaction %s, err: %w", tx.ID, err)
		}
		if err := bs.UploadFile(ctx, content, archiveKey(tx, now)); err != nil {
			return fmt.Errorf("fail to archive transaction %s, err: %w", tx.ID, err)
		}
	}
	return nil
}

func (bs *BlockStorage) UploadFile(ctx context.Context, fileContent []byte, fileName string) error {
	bs.logger.Infoln("upload file", fileName, "bucket", bs.bucket, "content length", len(fileContent))
	output, err := bs.s3Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bs.bucket),
		Key:           aws.String(fileName),
		Body:          aws.ReadSeekCloser(bytes.NewReader(fileContent)),
		ContentLength: aws.Int64(int64(len(fileContent))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		bs.logger.Error(err)
		return err
	}
	if output != nil {
		bs.logger.Infof("upload file %s success, version id: %s", fileName, aws.StringValue(output.VersionId))
	}
	return nil
}

func (bs *BlockStorage) GetFile(ctx context.Context, fileName string) ([]byte, error) {
	output, err := bs.s3Client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bs.bucket),
		Key:    aws.String(fileName),
	})
	if err != nil {
		bs.logger.Error("error getting file: ", err)
		return nil, err
	}
	defer func() {
		if err := output.Body.Close(); err != nil {
			bs.logger.Error(err)
		}
	}()
	return io.ReadAll(output.Body)
}
