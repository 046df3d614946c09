package replicationrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"corekv/pkg/dberrors"
)

// FileSendConcurrency bounds how many files of one checkpoint are
// streamed to a follower in parallel.
const FileSendConcurrency = 4

// Client drives the primary side of the transfer protocol against one
// follower's Server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a Client targeting a follower reachable at baseURL
// (e.g. "http://follower-core:7070").
func NewClient(baseURL string) *Client {
	return &Client{baseURL: baseURL, http: http.DefaultClient}
}

// ReceiveBackup calls the follower's receive_backup RPC and returns the
// absolute destination path it staged.
func (c *Client) ReceiveBackup(ctx context.Context, mpuID, coreID string) (string, error) {
	u := fmt.Sprintf("%s%s?%s=%s&%s=%s", c.baseURL, PathReceiveBackup,
		queryMPU, url.QueryEscape(mpuID), queryCore, url.QueryEscape(coreID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return "", fmt.Errorf("build receive_backup request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: receive_backup: %v", dberrors.ErrTransferTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: receive_backup: %s", dberrors.ErrTransferTransient, readBodyForError(resp))
	}
	var out receiveBackupResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode receive_backup response: %w", err)
	}
	return out.Path, nil
}

// ApplyBackup calls the follower's apply_backup RPC.
func (c *Client) ApplyBackup(ctx context.Context, mpuID, coreID string) error {
	u := fmt.Sprintf("%s%s?%s=%s&%s=%s", c.baseURL, PathApplyBackup,
		queryMPU, url.QueryEscape(mpuID), queryCore, url.QueryEscape(coreID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return fmt.Errorf("build apply_backup request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: apply_backup: %v", dberrors.ErrTransferTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: apply_backup: %s", dberrors.ErrTransferTransient, readBodyForError(resp))
	}
	return nil
}

// SendFile streams one local file to remoteDest on the follower
// via the FILE_TRANSFER primitive: a tagged session id identifies the
// channel, and the request body itself (ending on EOF) is the
// end-of-stream signal.
func (c *Client) SendFile(ctx context.Context, localPath, remoteDest string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local file %s: %w", localPath, err)
	}
	defer f.Close()

	u := fmt.Sprintf("%s%s?%s=%s", c.baseURL, PathFileTransfer, queryDest, url.QueryEscape(remoteDest))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, f)
	if err != nil {
		return fmt.Errorf("build file_transfer request: %w", err)
	}
	req.Header.Set(headerSessionID, uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: file_transfer %s: %v", dberrors.ErrTransferTransient, relOrAbs(localPath), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: file_transfer %s: %s", dberrors.ErrTransferTransient, relOrAbs(localPath), readBodyForError(resp))
	}
	return nil
}

// SendTree streams every regular file under localDir to remoteDir on the
// follower, preserving relative paths, fanning the transfers out over a
// bounded worker pool. A context cancellation (including a deadline)
// aborts all in-flight transfers; the follower discards the partial
// remote-checkpoint on its next receive_backup.
func (c *Client) SendTree(ctx context.Context, localDir, remoteDir string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(FileSendConcurrency)

	err := filepath.WalkDir(localDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(localDir, path)
		if err != nil {
			return err
		}
		remoteDest := filepath.ToSlash(filepath.Join(remoteDir, rel))
		localPath := path

		g.Go(func() error {
			return c.SendFile(ctx, localPath, remoteDest)
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk checkpoint tree: %w", err)
	}
	return g.Wait()
}

func relOrAbs(p string) string {
	return filepath.Base(p)
}

func readBodyForError(resp *http.Response) string {
	var out errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err == nil && out.Error != "" {
		return out.Error
	}
	b, _ := io.ReadAll(resp.Body)
	return string(b)
}
