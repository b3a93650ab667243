package notify

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/goccy/go-json"

	"github.com/relabs-tech/dbrest/core/logger"
)

// AWSConfiguration contains the AWS settings shared by S3 and SQS
type AWSConfiguration struct {
	AWSRegion string
	// AccessID and AccessKey select static credentials. If empty, the
	// default credential chain is used.
	AccessID  string
	AccessKey string
}

func (c AWSConfiguration) load(ctx context.Context) (aws.Config, error) {
	options := []func(*config.LoadOptions) error{config.WithRegion(c.AWSRegion)}
	if len(c.AccessID) > 0 {
		options = append(options, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessID, c.AccessKey, "")))
	}
	return config.LoadDefaultConfig(ctx, options...)
}

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Archive stores every event as a JSON object in a bucket, under
// {prefix}{schema}/{module}/{to}.json
type S3Archive struct {
	uploader  uploader
	bucket    string
	keyPrefix string
}

// NewS3Archive returns an archive for bucket
func NewS3Archive(ctx context.Context, c AWSConfiguration, bucket, keyPrefix string) (*S3Archive, error) {
	if len(bucket) == 0 {
		return nil, fmt.Errorf("bucket must not be empty")
	}
	cfg, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	logger.Default().Debugln("migration archive in bucket", bucket)
	return &S3Archive{
		uploader:  manager.NewUploader(s3.NewFromConfig(cfg)),
		bucket:    bucket,
		keyPrefix: keyPrefix,
	}, nil
}

// Key returns the object key for event
func (a *S3Archive) Key(event Event) string {
	return a.keyPrefix + event.Key() + "/" + event.To + ".json"
}

// Notify implements Notifier
func (a *S3Archive) Notify(ctx context.Context, event Event) error {
	body, err := json.MarshalIndent(event, "", "  ")
	if err != nil {
		return err
	}
	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.Key(event)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("archive migration %s: %w", a.Key(event), err)
	}
	return nil
}

type messageSender interface {
	SendMessage(ctx context.Context, input *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQS sends events to a queue. For FIFO queues the message group is the
// event key, so that the events of one module keep their order.
type SQS struct {
	sender   messageSender
	queueURL string
}

// NewSQS returns a notifier for the queue at queueURL
func NewSQS(ctx context.Context, c AWSConfiguration, queueURL string) (*SQS, error) {
	if len(queueURL) == 0 {
		return nil, fmt.Errorf("queue url must not be empty")
	}
	cfg, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	return &SQS{sender: sqs.NewFromConfig(cfg), queueURL: queueURL}, nil
}

// Notify implements Notifier
func (q *SQS) Notify(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
	}
	if strings.HasSuffix(q.queueURL, ".fifo") {
		input.MessageGroupId = aws.String(event.Key())
		input.MessageDeduplicationId = aws.String(strings.ReplaceAll(event.Key()+"-"+event.To, "/", "-"))
	}
	if _, err := q.sender.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send migration of %s: %w", event.Key(), err)
	}
	return nil
}
