// Package ocr runs asynchronous text detection on documents stored in S3.
package ocr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"
	"go.uber.org/zap"
)

// TextractAPI is the subset of *textract.Client used here.
type TextractAPI interface {
	StartDocumentTextDetection(ctx context.Context, in *textract.StartDocumentTextDetectionInput, optFns ...func(*textract.Options)) (*textract.StartDocumentTextDetectionOutput, error)
	GetDocumentTextDetection(ctx context.Context, in *textract.GetDocumentTextDetectionInput, optFns ...func(*textract.Options)) (*textract.GetDocumentTextDetectionOutput, error)
}

type JobStatus string

const (
	StatusInProgress JobStatus = "IN_PROGRESS"
	StatusSucceeded  JobStatus = "SUCCEEDED"
	StatusFailed     JobStatus = "FAILED"
)

type Result struct {
	Status     JobStatus
	Text       string
	Confidence float64
	Message    string
}

type Client struct {
	api          TextractAPI
	pollInterval time.Duration
	timeout      time.Duration
	log          *zap.Logger
}

func New(api TextractAPI, pollInterval, timeout time.Duration, log *zap.Logger) *Client {
	return &Client{api: api, pollInterval: pollInterval, timeout: timeout, log: log}
}

// StartJob begins text detection on bucket/key.
func (c *Client) StartJob(ctx context.Context, bucket, key string) (string, error) {
	out, err := c.api.StartDocumentTextDetection(ctx, &textract.StartDocumentTextDetectionInput{
		DocumentLocation: &types.DocumentLocation{
			S3Object: &types.S3Object{Bucket: aws.String(bucket), Name: aws.String(key)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("start text detection s3://%s/%s: %w", bucket, key, err)
	}
	return aws.ToString(out.JobId), nil
}

// PollStatus fetches the job state, following pagination once it succeeded.
func (c *Client) PollStatus(ctx context.Context, jobID string) (Result, error) {
	var (
		lines   []string
		confSum float64
		confN   int
		token   *string
	)
	for {
		out, err := c.api.GetDocumentTextDetection(ctx, &textract.GetDocumentTextDetectionInput{
			JobId:     aws.String(jobID),
			NextToken: token,
		})
		if err != nil {
			return Result{}, fmt.Errorf("get text detection %s: %w", jobID, err)
		}
		switch out.JobStatus {
		case types.JobStatusInProgress:
			return Result{Status: StatusInProgress}, nil
		case types.JobStatusFailed:
			return Result{Status: StatusFailed, Message: aws.ToString(out.StatusMessage)}, nil
		}
		for _, b := range out.Blocks {
			if b.BlockType != types.BlockTypeLine {
				continue
			}
			lines = append(lines, aws.ToString(b.Text))
			if b.Confidence != nil {
				confSum += float64(*b.Confidence)
				confN++
			}
		}
		if out.NextToken == nil {
			break
		}
		token = out.NextToken
	}
	res := Result{Status: StatusSucceeded, Text: strings.Join(lines, "\n")}
	if confN > 0 {
		res.Confidence = confSum / float64(confN)
	}
	return res, nil
}

var ErrJobFailed = errors.New("ocr job failed")

// Extract starts a job and polls until it finishes or the client timeout elapses.
func (c *Client) Extract(ctx context.Context, bucket, key string) (Result, error) {
	jobID, err := c.StartJob(ctx, bucket, key)
	if err != nil {
		return Result{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	tick := time.NewTicker(c.pollInterval)
	defer tick.Stop()
	for {
		res, err := c.PollStatus(ctx, jobID)
		if err != nil {
			return Result{}, err
		}
		switch res.Status {
		case StatusSucceeded:
			c.log.Debug("ocr finished", zap.String("job_id", jobID), zap.Float64("confidence", res.Confidence))
			return res, nil
		case StatusFailed:
			return res, fmt.Errorf("%w: %s", ErrJobFailed, res.Message)
		}
		select {
		case <-ctx.Done():
			return Result{}, fmt.Errorf("ocr job %s timeout: %w", jobID, ctx.Err())
		case <-tick.C:
		}
	}
}
