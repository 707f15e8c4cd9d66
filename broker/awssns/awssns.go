// Package awssns provides the AWS-backed fanflow backend: topics are SNS
// topics, queues are SQS queues, and subscriptions are SNS subscriptions
// with raw message delivery and server-side filter policies. Dead-lettering
// is delegated to SQS redrive policies, with a companion dead-letter queue
// created alongside every queue.
package awssns

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"

	"github.com/drblury/fanflow/broker"
	"github.com/drblury/fanflow/internal/runtime/ids"
	"github.com/drblury/fanflow/internal/runtime/jsoncodec"
	"github.com/drblury/fanflow/internal/runtime/logging"
)

// BackendName is the name used to register this backend.
const BackendName = "aws"

const (
	localstackAccountID = "000000000000"

	// Reserved message attributes carrying envelope identity across the
	// SNS/SQS hop. Raw message delivery preserves them end to end.
	idAttributeKey          = "fanflow.id"
	publishedAtAttributeKey = "fanflow.published_at"
)

// SNSAPI is the subset of the SNS client the backend uses.
type SNSAPI interface {
	CreateTopic(ctx context.Context, params *amazonsns.CreateTopicInput, optFns ...func(*amazonsns.Options)) (*amazonsns.CreateTopicOutput, error)
	DeleteTopic(ctx context.Context, params *amazonsns.DeleteTopicInput, optFns ...func(*amazonsns.Options)) (*amazonsns.DeleteTopicOutput, error)
	Publish(ctx context.Context, params *amazonsns.PublishInput, optFns ...func(*amazonsns.Options)) (*amazonsns.PublishOutput, error)
	Subscribe(ctx context.Context, params *amazonsns.SubscribeInput, optFns ...func(*amazonsns.Options)) (*amazonsns.SubscribeOutput, error)
	Unsubscribe(ctx context.Context, params *amazonsns.UnsubscribeInput, optFns ...func(*amazonsns.Options)) (*amazonsns.UnsubscribeOutput, error)
	ListSubscriptionsByTopic(ctx context.Context, params *amazonsns.ListSubscriptionsByTopicInput, optFns ...func(*amazonsns.Options)) (*amazonsns.ListSubscriptionsByTopicOutput, error)
}

// SQSAPI is the subset of the SQS client the backend uses.
type SQSAPI interface {
	CreateQueue(ctx context.Context, params *amazonsqs.CreateQueueInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.CreateQueueOutput, error)
	DeleteQueue(ctx context.Context, params *amazonsqs.DeleteQueueInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.DeleteQueueOutput, error)
	GetQueueUrl(ctx context.Context, params *amazonsqs.GetQueueUrlInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.GetQueueUrlOutput, error)
	GetQueueAttributes(ctx context.Context, params *amazonsqs.GetQueueAttributesInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.GetQueueAttributesOutput, error)
	SetQueueAttributes(ctx context.Context, params *amazonsqs.SetQueueAttributesInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.SetQueueAttributesOutput, error)
	SendMessage(ctx context.Context, params *amazonsqs.SendMessageInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *amazonsqs.ReceiveMessageInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *amazonsqs.DeleteMessageInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.DeleteMessageOutput, error)
}

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// SNSFactory allows overriding the SNS client creation for testing.
var SNSFactory = func(cfg aws.Config, optFns ...func(*amazonsns.Options)) SNSAPI {
	return amazonsns.NewFromConfig(cfg, optFns...)
}

// SQSFactory allows overriding the SQS client creation for testing.
var SQSFactory = func(cfg aws.Config, optFns ...func(*amazonsqs.Options)) SQSAPI {
	return amazonsqs.NewFromConfig(cfg, optFns...)
}

func init() {
	broker.RegisterWithCapabilities(BackendName, Build, broker.AWSCapabilities)
}

// Build creates an SNS/SQS backend from the AWS settings in cfg.
func Build(ctx context.Context, cfg broker.Config, logger logging.ServiceLogger) (broker.Backend, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return broker.Backend{}, fmt.Errorf("load aws config: %w", err)
	}

	accountID := cfg.GetAWSAccountID()
	if accountID == "" && cfg.GetAWSEndpoint() != "" {
		// LocalStack accepts the well-known dummy account.
		accountID = localstackAccountID
		logger.Info("aws account ID empty; using LocalStack default", logging.LogFields{
			"account_id": accountID,
		})
	}

	client := &Client{
		sns:         SNSFactory(awsCfg),
		sqs:         SQSFactory(awsCfg),
		accountID:   accountID,
		region:      awsCfg.Region,
		dlqSuffix:   cfg.GetDeadLetterSuffix(),
		maxReceives: cfg.GetMaxReceives(),
		logger:      logger,
		queueURLs:   make(map[string]string),
	}
	if client.dlqSuffix == "" {
		client.dlqSuffix = "-dlq"
	}
	if client.maxReceives <= 0 {
		client.maxReceives = 3
	}

	return broker.Backend{
		Topics: client,
		Queues: client,
		Admin:  client,
	}, nil
}

// Capabilities returns the capabilities of this backend.
func Capabilities() broker.Capabilities {
	return broker.AWSCapabilities
}

func loadAWSConfig(ctx context.Context, cfg broker.Config) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error

	if region := cfg.GetAWSRegion(); region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if key, secret := cfg.GetAWSAccessKeyID(), cfg.GetAWSSecretAccessKey(); key != "" && secret != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentialsProvider(key, secret)))
	}
	if endpoint := cfg.GetAWSEndpoint(); endpoint != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(endpoint))
	}

	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	if region := cfg.GetAWSRegion(); region != "" {
		awsCfg.Region = region
	}
	return awsCfg, nil
}

func staticCredentialsProvider(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
		}, nil
	})
}

// Client implements the broker interfaces over SNS and SQS.
type Client struct {
	sns         SNSAPI
	sqs         SQSAPI
	accountID   string
	region      string
	dlqSuffix   string
	maxReceives int
	logger      logging.ServiceLogger

	queueURLsMu sync.RWMutex
	queueURLs   map[string]string
}

func (c *Client) topicArn(topic string) string {
	return fmt.Sprintf("arn:aws:sns:%s:%s:%s", c.region, c.accountID, topic)
}

func (c *Client) queueArn(queue string) string {
	return fmt.Sprintf("arn:aws:sqs:%s:%s:%s", c.region, c.accountID, queue)
}

func (c *Client) queueURL(ctx context.Context, queue string) (string, error) {
	c.queueURLsMu.RLock()
	url, ok := c.queueURLs[queue]
	c.queueURLsMu.RUnlock()
	if ok {
		return url, nil
	}

	out, err := c.sqs.GetQueueUrl(ctx, &amazonsqs.GetQueueUrlInput{
		QueueName: aws.String(queue),
	})
	if err != nil {
		return "", mapQueueError(err)
	}

	url = aws.ToString(out.QueueUrl)
	c.queueURLsMu.Lock()
	c.queueURLs[queue] = url
	c.queueURLsMu.Unlock()
	return url, nil
}

func (c *Client) forgetQueueURL(queue string) {
	c.queueURLsMu.Lock()
	delete(c.queueURLs, queue)
	c.queueURLsMu.Unlock()
}

// CreateTopic creates the SNS topic. Creating an existing topic is a no-op
// on the SNS side as well.
func (c *Client) CreateTopic(ctx context.Context, topic string) error {
	_, err := c.sns.CreateTopic(ctx, &amazonsns.CreateTopicInput{
		Name: aws.String(topic),
	})
	if err != nil {
		return fmt.Errorf("create topic %q: %w", topic, err)
	}
	c.logger.Info("sns topic created", logging.LogFields{"topic": topic})
	return nil
}

// DeleteTopic deletes the SNS topic and its subscriptions.
func (c *Client) DeleteTopic(ctx context.Context, topic string) error {
	_, err := c.sns.DeleteTopic(ctx, &amazonsns.DeleteTopicInput{
		TopicArn: aws.String(c.topicArn(topic)),
	})
	if err != nil {
		return mapTopicError(err)
	}
	return nil
}

// CreateQueue creates the SQS queue together with its companion dead-letter
// queue, wired via a redrive policy so SQS parks entries after the receive
// budget is spent.
func (c *Client) CreateQueue(ctx context.Context, queue string) error {
	dlqName := queue + c.dlqSuffix
	if _, err := c.sqs.CreateQueue(ctx, &amazonsqs.CreateQueueInput{
		QueueName: aws.String(dlqName),
	}); err != nil {
		return fmt.Errorf("create dead-letter queue %q: %w", dlqName, err)
	}

	redrive, err := jsoncodec.Marshal(map[string]string{
		"deadLetterTargetArn": c.queueArn(dlqName),
		"maxReceiveCount":     strconv.Itoa(c.maxReceives),
	})
	if err != nil {
		return fmt.Errorf("encode redrive policy: %w", err)
	}

	if _, err := c.sqs.CreateQueue(ctx, &amazonsqs.CreateQueueInput{
		QueueName: aws.String(queue),
		Attributes: map[string]string{
			"RedrivePolicy": string(redrive),
		},
	}); err != nil {
		return fmt.Errorf("create queue %q: %w", queue, err)
	}

	c.logger.Info("sqs queue created", logging.LogFields{
		"queue":             queue,
		"dead_letter_queue": dlqName,
	})
	return nil
}

// DeleteQueue deletes the queue and its companion dead-letter queue.
func (c *Client) DeleteQueue(ctx context.Context, queue string) error {
	url, err := c.queueURL(ctx, queue)
	if err != nil {
		return err
	}
	if _, err := c.sqs.DeleteQueue(ctx, &amazonsqs.DeleteQueueInput{
		QueueUrl: aws.String(url),
	}); err != nil {
		return mapQueueError(err)
	}
	c.forgetQueueURL(queue)

	dlqName := queue + c.dlqSuffix
	if dlqURL, err := c.queueURL(ctx, dlqName); err == nil {
		if _, err := c.sqs.DeleteQueue(ctx, &amazonsqs.DeleteQueueInput{
			QueueUrl: aws.String(dlqURL),
		}); err != nil {
			c.logger.Error("delete dead-letter queue failed", err, logging.LogFields{
				"queue": dlqName,
			})
		}
		c.forgetQueueURL(dlqName)
	}
	return nil
}

// Subscribe binds the queue to the topic with raw message delivery, pushes
// the filter down as an SNS filter policy, and grants the topic send rights
// on the queue.
func (c *Client) Subscribe(ctx context.Context, topic, queue string, filter broker.Filter) error {
	url, err := c.queueURL(ctx, queue)
	if err != nil {
		return err
	}

	queueArn := c.queueArn(queue)
	topicArn := c.topicArn(topic)

	if err := c.grantTopicSendRights(ctx, url, queueArn, topicArn); err != nil {
		return err
	}

	attributes := map[string]string{
		"RawMessageDelivery": "true",
	}
	if !filter.MatchAll() {
		policyJSON, err := filter.Policy()
		if err != nil {
			return fmt.Errorf("encode filter policy: %w", err)
		}
		attributes["FilterPolicy"] = string(policyJSON)
	}

	_, err = c.sns.Subscribe(ctx, &amazonsns.SubscribeInput{
		TopicArn:              aws.String(topicArn),
		Protocol:              aws.String("sqs"),
		Endpoint:              aws.String(queueArn),
		Attributes:            attributes,
		ReturnSubscriptionArn: true,
	})
	if err != nil {
		return mapTopicError(err)
	}

	c.logger.Info("queue subscribed to topic", logging.LogFields{
		"topic":    topic,
		"queue":    queue,
		"filtered": !filter.MatchAll(),
	})
	return nil
}

// grantTopicSendRights appends an sqs:SendMessage statement for topicArn to
// the queue's access policy. Statements granted to other topics are kept, so
// a queue subscribed to several topics keeps receiving from all of them.
func (c *Client) grantTopicSendRights(ctx context.Context, queueURL, queueArn, topicArn string) error {
	out, err := c.sqs.GetQueueAttributes(ctx, &amazonsqs.GetQueueAttributesInput{
		QueueUrl: aws.String(queueURL),
		AttributeNames: []sqstypes.QueueAttributeName{
			sqstypes.QueueAttributeNamePolicy,
		},
	})
	if err != nil {
		return mapQueueError(err)
	}

	doc := map[string]any{
		"Version":   "2012-10-17",
		"Statement": []any{},
	}
	if raw := out.Attributes[string(sqstypes.QueueAttributeNamePolicy)]; raw != "" {
		if err := jsoncodec.Unmarshal([]byte(raw), &doc); err != nil {
			return fmt.Errorf("decode queue policy: %w", err)
		}
	}

	statements, _ := doc["Statement"].([]any)
	for _, stmt := range statements {
		if statementGrantsTopic(stmt, topicArn) {
			return nil
		}
	}
	statements = append(statements, map[string]any{
		"Effect":    "Allow",
		"Principal": map[string]string{"Service": "sns.amazonaws.com"},
		"Action":    "sqs:SendMessage",
		"Resource":  queueArn,
		"Condition": map[string]any{
			"ArnEquals": map[string]string{"aws:SourceArn": topicArn},
		},
	})
	doc["Statement"] = statements

	policy, err := jsoncodec.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode queue policy: %w", err)
	}
	if _, err := c.sqs.SetQueueAttributes(ctx, &amazonsqs.SetQueueAttributesInput{
		QueueUrl: aws.String(queueURL),
		Attributes: map[string]string{
			"Policy": string(policy),
		},
	}); err != nil {
		return mapQueueError(err)
	}
	return nil
}

func statementGrantsTopic(stmt any, topicArn string) bool {
	m, ok := stmt.(map[string]any)
	if !ok {
		return false
	}
	cond, ok := m["Condition"].(map[string]any)
	if !ok {
		return false
	}
	arnEquals, ok := cond["ArnEquals"].(map[string]any)
	if !ok {
		return false
	}
	return arnEquals["aws:SourceArn"] == topicArn
}

// Unsubscribe removes the SNS subscription binding the queue to the topic.
// A queue that is not subscribed is a no-op success.
func (c *Client) Unsubscribe(ctx context.Context, topic, queue string) error {
	queueArn := c.queueArn(queue)

	var nextToken *string
	for {
		out, err := c.sns.ListSubscriptionsByTopic(ctx, &amazonsns.ListSubscriptionsByTopicInput{
			TopicArn:  aws.String(c.topicArn(topic)),
			NextToken: nextToken,
		})
		if err != nil {
			return mapTopicError(err)
		}

		for _, sub := range out.Subscriptions {
			if aws.ToString(sub.Endpoint) != queueArn {
				continue
			}
			if _, err := c.sns.Unsubscribe(ctx, &amazonsns.UnsubscribeInput{
				SubscriptionArn: sub.SubscriptionArn,
			}); err != nil {
				return mapTopicError(err)
			}
			return nil
		}

		if out.NextToken == nil {
			return nil
		}
		nextToken = out.NextToken
	}
}

// Publish sends the envelope to the SNS topic. Fan-out to subscribed queues
// happens server-side, so the result carries no per-subscriber outcomes.
func (c *Client) Publish(ctx context.Context, topic string, env broker.Envelope) (broker.PublishResult, error) {
	attributes := make(map[string]snstypes.MessageAttributeValue, len(env.Attributes)+2)
	for k, v := range env.Attributes {
		attributes[k] = snstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(v),
		}
	}
	attributes[idAttributeKey] = snstypes.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(env.ID),
	}
	attributes[publishedAtAttributeKey] = snstypes.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(env.PublishedAt.Format(time.RFC3339Nano)),
	}

	_, err := c.sns.Publish(ctx, &amazonsns.PublishInput{
		TopicArn:          aws.String(c.topicArn(topic)),
		Message:           aws.String(string(env.Payload)),
		MessageAttributes: attributes,
	})
	if err != nil {
		return broker.PublishResult{}, mapTopicError(err)
	}
	return broker.PublishResult{EnvelopeID: env.ID}, nil
}

// Enqueue sends the envelope directly to the SQS queue.
func (c *Client) Enqueue(ctx context.Context, queue string, env broker.Envelope) error {
	url, err := c.queueURL(ctx, queue)
	if err != nil {
		return err
	}

	attributes := make(map[string]sqstypes.MessageAttributeValue, len(env.Attributes)+2)
	for k, v := range env.Attributes {
		attributes[k] = sqstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(v),
		}
	}
	attributes[idAttributeKey] = sqstypes.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(env.ID),
	}
	attributes[publishedAtAttributeKey] = sqstypes.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(env.PublishedAt.Format(time.RFC3339Nano)),
	}

	_, err = c.sqs.SendMessage(ctx, &amazonsqs.SendMessageInput{
		QueueUrl:          aws.String(url),
		MessageBody:       aws.String(string(env.Payload)),
		MessageAttributes: attributes,
	})
	if err != nil {
		return mapQueueError(err)
	}
	return nil
}

// Receive claims up to maxMessages deliveries from the SQS queue.
func (c *Client) Receive(ctx context.Context, queue string, maxMessages int, visibility time.Duration) ([]broker.Delivery, error) {
	url, err := c.queueURL(ctx, queue)
	if err != nil {
		return nil, err
	}

	if maxMessages <= 0 {
		maxMessages = 1
	}
	if maxMessages > 10 {
		// SQS caps a single receive at ten messages.
		maxMessages = 10
	}

	input := &amazonsqs.ReceiveMessageInput{
		QueueUrl:              aws.String(url),
		MaxNumberOfMessages:   int32(maxMessages),
		MessageAttributeNames: []string{"All"},
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{
			sqstypes.MessageSystemAttributeNameApproximateReceiveCount,
		},
	}
	if visibility > 0 {
		// Round up so a sub-second request does not truncate to zero, which
		// SQS would treat as immediate redelivery.
		input.VisibilityTimeout = int32((visibility + time.Second - 1) / time.Second)
	}

	out, err := c.sqs.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, mapQueueError(err)
	}

	deliveries := make([]broker.Delivery, 0, len(out.Messages))
	for _, msg := range out.Messages {
		deliveries = append(deliveries, c.toDelivery(queue, msg))
	}
	return deliveries, nil
}

func (c *Client) toDelivery(queue string, msg sqstypes.Message) broker.Delivery {
	env := broker.Envelope{
		Payload:    []byte(aws.ToString(msg.Body)),
		Attributes: make(map[string]string),
	}

	for k, v := range msg.MessageAttributes {
		switch k {
		case idAttributeKey:
			env.ID = aws.ToString(v.StringValue)
		case publishedAtAttributeKey:
			if ts, err := time.Parse(time.RFC3339Nano, aws.ToString(v.StringValue)); err == nil {
				env.PublishedAt = ts
			}
		default:
			env.Attributes[k] = aws.ToString(v.StringValue)
		}
	}
	if env.ID == "" {
		// Messages that did not pass through a fanflow producer still get a
		// stable identity for dedupe.
		env.ID = ids.CreateULID()
	}

	receiveCount := 0
	if raw, ok := msg.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		if n, err := strconv.Atoi(raw); err == nil {
			receiveCount = n
		}
	}

	return broker.Delivery{
		Envelope:     env,
		Queue:        queue,
		Receipt:      aws.ToString(msg.ReceiptHandle),
		ReceiveCount: receiveCount,
	}
}

// Acknowledge deletes the message behind the receipt handle.
func (c *Client) Acknowledge(ctx context.Context, queue string, receipt string) error {
	url, err := c.queueURL(ctx, queue)
	if err != nil {
		return err
	}

	_, err = c.sqs.DeleteMessage(ctx, &amazonsqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		return mapReceiptError(err)
	}
	return nil
}

// PendingCount reports the queue's approximate visible message count.
func (c *Client) PendingCount(ctx context.Context, queue string) (int, error) {
	url, err := c.queueURL(ctx, queue)
	if err != nil {
		return 0, err
	}

	out, err := c.sqs.GetQueueAttributes(ctx, &amazonsqs.GetQueueAttributesInput{
		QueueUrl: aws.String(url),
		AttributeNames: []sqstypes.QueueAttributeName{
			sqstypes.QueueAttributeNameApproximateNumberOfMessages,
			sqstypes.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
		},
	})
	if err != nil {
		return 0, mapQueueError(err)
	}

	total := 0
	for _, name := range []sqstypes.QueueAttributeName{
		sqstypes.QueueAttributeNameApproximateNumberOfMessages,
		sqstypes.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
	} {
		if raw, ok := out.Attributes[string(name)]; ok {
			if n, err := strconv.Atoi(raw); err == nil {
				total += n
			}
		}
	}
	return total, nil
}

func mapTopicError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NotFoundException", "ResourceNotFoundException":
			return broker.ErrTopicNotFound
		}
	}
	return err
}

func mapQueueError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AWS.SimpleQueueService.NonExistentQueue", "QueueDoesNotExist":
			return broker.ErrQueueNotFound
		}
	}
	return err
}

func mapReceiptError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ReceiptHandleIsInvalid", "InvalidParameterValue":
			return broker.ErrInvalidReceipt
		}
	}
	return mapQueueError(err)
}
