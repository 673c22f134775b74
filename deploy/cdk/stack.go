package main

import (
	"path/filepath"

	"github.com/aws/aws-cdk-go/awscdk/v2"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsevents"
	"github.com/aws/aws-cdk-go/awscdk/v2/awseventstargets"
	"github.com/aws/aws-cdk-go/awscdk/v2/awsiam"
	"github.com/aws/aws-cdk-go/awscdk/v2/awslambda"
	"github.com/aws/aws-cdk-go/awscdk/v2/awslogs"
	"github.com/aws/aws-cdk-go/awscdk/v2/awss3"
	"github.com/aws/aws-cdk-go/awscdk/v2/awssns"
	"github.com/aws/constructs-go/constructs/v10"
	"github.com/aws/jsii-runtime-go"
)

func NewTridxStack(scope constructs.Construct, id string, cfg StackConfig) awscdk.Stack {
	stack := awscdk.NewStack(scope, &id, nil)

	// Outcome and alert topic
	topic := awssns.NewTopic(stack, jsii.String("OutcomeTopic"), &awssns.TopicProps{
		TopicName: jsii.String(cfg.Name + "-outcomes"),
	})

	commonEnv := &map[string]*string{
		"TRIDX_CONFIG":      jsii.String("/var/task/tridx.yaml"),
		"TRIDX_HEALTH_PATH": jsii.String("/tmp/tridx-health.txt"),
		"OUTCOME_TOPIC_ARN": topic.TopicArn(),
	}
	if cfg.DatabaseDSN != "" {
		(*commonEnv)["TRIDX_DATABASE_DSN"] = jsii.String(cfg.DatabaseDSN)
	}

	// Optional health snapshot bucket
	var bucket awss3.Bucket
	if cfg.HealthBucket {
		bucket = awss3.NewBucket(stack, jsii.String("HealthBucket"), &awss3.BucketProps{
			BlockPublicAccess: awss3.BlockPublicAccess_BLOCK_ALL(),
			RemovalPolicy:     removalPolicy(cfg.DestroyOnDelete),
		})
		(*commonEnv)["TRIDX_HEALTH_BUCKET"] = bucket.BucketName()
	}

	timeout := awscdk.Duration_Seconds(jsii.Number(cfg.Timeout))
	memorySize := jsii.Number(cfg.MemorySize)
	logRetention := logRetentionDays(cfg.LogRetentionDays)

	makeFn := func(name string) awslambda.Function {
		return awslambda.NewFunction(stack, jsii.String(name), &awslambda.FunctionProps{
			FunctionName: jsii.String(cfg.Name + "-" + name),
			Runtime:      awslambda.Runtime_PROVIDED_AL2023(),
			Handler:      jsii.String("bootstrap"),
			Code:         awslambda.Code_FromAsset(jsii.String(filepath.Join(cfg.LambdaDistDir, name)), nil),
			Architecture: awslambda.Architecture_ARM_64(),
			MemorySize:   memorySize,
			Timeout:      timeout,
			Environment:  commonEnv,
			LogRetention: logRetention,
		})
	}

	pipelineFn := makeFn("pipeline")
	watchdogFn := makeFn("watchdog")

	// IAM grants
	topic.GrantPublish(pipelineFn)
	topic.GrantPublish(watchdogFn)
	if bucket != nil {
		bucket.GrantPut(pipelineFn, nil)
	}
	if cfg.SecretPrefix != "" {
		pipelineFn.AddToRolePolicy(awsiam.NewPolicyStatement(&awsiam.PolicyStatementProps{
			Actions: &[]*string{jsii.String("secretsmanager:GetSecretValue")},
			Resources: &[]*string{
				awscdk.Fn_Sub(jsii.String("arn:${AWS::Partition}:secretsmanager:${AWS::Region}:${AWS::AccountId}:secret:"+cfg.SecretPrefix+"*"), nil),
			},
		}))
	}

	// Schedules
	awsevents.NewRule(stack, jsii.String("PipelineSchedule"), &awsevents.RuleProps{
		Schedule: awsevents.Schedule_Expression(jsii.String(cfg.PipelineSchedule)),
		Targets: &[]awsevents.IRuleTarget{
			awseventstargets.NewLambdaFunction(pipelineFn, &awseventstargets.LambdaFunctionProps{
				RetryAttempts: jsii.Number(0),
			}),
		},
	})
	awsevents.NewRule(stack, jsii.String("WatchdogSchedule"), &awsevents.RuleProps{
		Schedule: awsevents.Schedule_Expression(jsii.String(cfg.WatchdogSchedule)),
		Targets: &[]awsevents.IRuleTarget{
			awseventstargets.NewLambdaFunction(watchdogFn, nil),
		},
	})

	// Stack outputs
	awscdk.NewCfnOutput(stack, jsii.String("TopicArn"), &awscdk.CfnOutputProps{
		Value: topic.TopicArn(),
	})
	awscdk.NewCfnOutput(stack, jsii.String("PipelineFunction"), &awscdk.CfnOutputProps{
		Value: pipelineFn.FunctionName(),
	})
	if bucket != nil {
		awscdk.NewCfnOutput(stack, jsii.String("HealthBucketName"), &awscdk.CfnOutputProps{
			Value: bucket.BucketName(),
		})
	}

	return stack
}

func removalPolicy(destroy bool) awscdk.RemovalPolicy {
	if destroy {
		return awscdk.RemovalPolicy_DESTROY
	}
	return awscdk.RemovalPolicy_RETAIN
}

func logRetentionDays(days float64) awslogs.RetentionDays {
	switch days {
	case 1:
		return awslogs.RetentionDays_ONE_DAY
	case 3:
		return awslogs.RetentionDays_THREE_DAYS
	case 5:
		return awslogs.RetentionDays_FIVE_DAYS
	case 7:
		return awslogs.RetentionDays_ONE_WEEK
	case 14:
		return awslogs.RetentionDays_TWO_WEEKS
	case 30:
		return awslogs.RetentionDays_ONE_MONTH
	case 60:
		return awslogs.RetentionDays_TWO_MONTHS
	case 90:
		return awslogs.RetentionDays_THREE_MONTHS
	case 365:
		return awslogs.RetentionDays_ONE_YEAR
	default:
		return awslogs.RetentionDays_TWO_WEEKS
	}
}
