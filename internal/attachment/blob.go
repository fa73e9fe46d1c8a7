package attachment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/BaSui01/imageflow/types"
)

// BlobStore 保存附件字节。键由调用方生成，实现负责防止越界。
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

var errInvalidKey = errors.New("invalid blob key")

// sanitizeKey 规范化键并拒绝逃出根目录的路径。
func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(strings.ReplaceAll(key, "\\", "/"))
	key = strings.TrimLeft(strings.TrimPrefix(key, "./"), "/")
	if key == "" {
		return "", errInvalidKey
	}
	cleaned := filepath.ToSlash(filepath.Clean(filepath.FromSlash(key)))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errInvalidKey
	}
	return cleaned, nil
}

// =============================================================================
// 📁 本地文件系统
// =============================================================================

// LocalBlobStore 把字节写入本地目录。写入先落临时文件再重命名。
type LocalBlobStore struct {
	root string
}

// NewLocalBlobStore 创建本地存储并确保根目录存在。
func NewLocalBlobStore(root string) (*LocalBlobStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("local blob root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &LocalBlobStore{root: root}, nil
}

// Root 返回根目录。
func (s *LocalBlobStore) Root() string { return s.root }

func (s *LocalBlobStore) path(key string) (string, error) {
	clean, err := sanitizeKey(key)
	if err != nil {
		return "", types.Wrap(err, types.ErrInvalidInput, "blob key "+key)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// Put 原子地写入字节。
func (s *LocalBlobStore) Put(ctx context.Context, key string, data []byte, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := s.path(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return types.Wrap(err, types.ErrStorage, "create blob directory")
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return types.Wrap(err, types.ErrStorage, "create temp blob")
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = os.Rename(tmpName, full)
	}
	if werr != nil {
		_ = os.Remove(tmpName)
		return types.Wrap(werr, types.ErrStorage, "write blob")
	}
	return nil
}

// Get 读取字节，键不存在时返回 not-found。
func (s *LocalBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil, types.Errorf(types.ErrNotFound, "blob %q not found", key)
	}
	if err != nil {
		return nil, types.Wrap(err, types.ErrStorage, "read blob")
	}
	return data, nil
}

// Delete 删除字节，键不存在视为成功。
func (s *LocalBlobStore) Delete(ctx context.Context, key string) error {
	full, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return types.Wrap(err, types.ErrStorage, "delete blob")
	}
	return nil
}

// =============================================================================
// ☁️ S3 兼容存储
// =============================================================================

// S3Config S3 存储参数。
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	Prefix          string
}

// S3Object 是 S3BlobStore 使用的客户端子集，*s3.Client 满足该接口。
type S3Object interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3BlobStore 把字节写入 S3 兼容的对象存储。
type S3BlobStore struct {
	client S3Object
	bucket string
	prefix string
	logger *zap.Logger
}

// NewS3BlobStore 按配置创建 S3 客户端。未提供静态密钥时使用默认凭据链。
func NewS3BlobStore(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3BlobStore, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("s3 bucket is required")
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3BlobStoreWithClient(client, cfg.Bucket, cfg.Prefix, logger), nil
}

// NewS3BlobStoreWithClient 使用现成客户端创建存储。
func NewS3BlobStoreWithClient(client S3Object, bucket, prefix string, logger *zap.Logger) *S3BlobStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &S3BlobStore{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.With(zap.String("component", "s3-blob")),
	}
}

func (s *S3BlobStore) objectKey(key string) (string, error) {
	clean, err := sanitizeKey(key)
	if err != nil {
		return "", types.Wrap(err, types.ErrInvalidInput, "blob key "+key)
	}
	if s.prefix == "" {
		return clean, nil
	}
	return s.prefix + "/" + clean, nil
}

// Put 上传对象。
func (s *S3BlobStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	obj, err := s.objectKey(key)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(obj),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return types.Wrap(err, types.ErrStorage, "upload blob")
	}
	return nil
}

// Get 下载对象，NoSuchKey 映射为 not-found。
func (s *S3BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.objectKey(key)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(obj),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, types.Errorf(types.ErrNotFound, "blob %q not found", key)
		}
		return nil, types.Wrap(err, types.ErrStorage, "download blob")
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, types.Wrap(err, types.ErrStorage, "read blob body")
	}
	return data, nil
}

// Delete 删除对象。
func (s *S3BlobStore) Delete(ctx context.Context, key string) error {
	obj, err := s.objectKey(key)
	if err != nil {
		return err
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(obj),
	}); err != nil {
		s.logger.Warn("delete blob failed", zap.String("key", obj), zap.Error(err))
		return types.Wrap(err, types.ErrStorage, "delete blob")
	}
	return nil
}
