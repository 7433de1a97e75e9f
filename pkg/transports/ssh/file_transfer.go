package ssh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
)

func (c *SSHClient) newSFTPClient() (*sftp.Client, error) {
	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}
	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, &TransportError{Op: "sftp-init", Err: fmt.Errorf("failed to create SFTP client: %w", err), IsTemporary: true}
	}
	return sftpClient, nil
}

// UploadFile copies a local file to remotePath over SFTP, creating parent
// directories. A non-zero mode is applied after the copy. The result carries
// the SHA256 of the bytes sent.
func (c *SSHClient) UploadFile(ctx context.Context, localPath string, remotePath string, mode uint32) (*FileTransferResult, error) {
	result := &FileTransferResult{StartedAt: time.Now()}

	localFile, err := os.Open(localPath)
	if err != nil {
		return nil, &TransportError{Op: "upload", Err: fmt.Errorf("failed to open local file: %w", err)}
	}
	defer localFile.Close()

	sftpClient, err := c.newSFTPClient()
	if err != nil {
		return nil, err
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return nil, &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}
	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return nil, &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote file: %w", err), IsTemporary: true}
	}

	hash := sha256.New()
	written, err := copyWithContext(ctx, io.MultiWriter(remoteFile, hash), localFile)
	if closeErr := remoteFile.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, &TransportError{Op: "upload", Err: fmt.Errorf("failed to copy file: %w", err), IsTemporary: true}
	}

	if mode > 0 {
		if err := sftpClient.Chmod(remotePath, os.FileMode(mode)); err != nil {
			return nil, &TransportError{Op: "upload", Err: fmt.Errorf("failed to set file permissions: %w", err)}
		}
	}

	result.BytesTransferred = written
	result.Checksum = hex.EncodeToString(hash.Sum(nil))
	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)

	c.logger.Info().
		Str("local", localPath).
		Str("remote", remotePath).
		Int64("bytes", written).
		Dur("duration", result.Duration).
		Msg("File uploaded")
	return result, nil
}

// RemoveFile deletes remotePath. A missing file is not an error.
func (c *SSHClient) RemoveFile(ctx context.Context, remotePath string) error {
	sftpClient, err := c.newSFTPClient()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	if err := sftpClient.Remove(remotePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &TransportError{Op: "remove", Err: err}
	}
	return nil
}

// ComputeChecksum returns the SHA256 of a remote file using sha256sum.
func (c *SSHClient) ComputeChecksum(ctx context.Context, remotePath string) (string, error) {
	res, err := c.ExecuteCommand(ctx, "sha256sum "+shellQuote(remotePath))
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", &TransportError{Op: "checksum", Err: fmt.Errorf("failed to compute checksum: %s", res.Stderr)}
	}

	parts := strings.Fields(res.Stdout)
	if len(parts) < 1 {
		return "", &TransportError{Op: "checksum", Err: fmt.Errorf("invalid checksum output: %s", res.Stdout)}
	}
	return parts[0], nil
}

// localChecksum returns the SHA256 of a local file.
func localChecksum(localPath string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// copyWithContext copies src to dst, checking ctx between 32KB chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}

// shellQuote single-quotes s for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
