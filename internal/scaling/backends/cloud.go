// Copyright 2025 James Ross
package backends

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/autoscaling"

	"github.com/flyingrobots/taskctl/internal/config"
)

// CloudBackend drives replica count by resizing an AWS Auto Scaling
// Group per class, standing in for "vendor CLI invocation" against a
// fleet of worker instances rather than individual containers or pods.
type CloudBackend struct {
	asg       *autoscaling.AutoScaling
	groupTmpl string
}

func NewCloudBackend(cfg *config.CloudBackend) (*CloudBackend, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(cfg.Region)})
	if err != nil {
		return nil, fmt.Errorf("aws session: %w", err)
	}
	return &CloudBackend{asg: autoscaling.New(sess), groupTmpl: cfg.AutoScalingGroup}, nil
}

// groupName resolves class to a concrete ASG name. A configured name
// containing "%s" is treated as a per-class naming template (so one
// CloudBackend can drive several classes' worker fleets); otherwise
// every class shares the single configured group.
func (b *CloudBackend) groupName(class string) string {
	if strings.Contains(b.groupTmpl, "%s") {
		return fmt.Sprintf(b.groupTmpl, class)
	}
	return b.groupTmpl
}

func (b *CloudBackend) CurrentReplicas(ctx context.Context, class string) (int, error) {
	name := b.groupName(class)
	out, err := b.asg.DescribeAutoScalingGroupsWithContext(ctx, &autoscaling.DescribeAutoScalingGroupsInput{
		AutoScalingGroupNames: []*string{aws.String(name)},
	})
	if err != nil {
		return 0, retryableScaleError("cloud", class, err)
	}
	if len(out.AutoScalingGroups) == 0 {
		return 0, permanentScaleError("cloud", class, fmt.Errorf("auto scaling group %s not found", name))
	}
	return len(out.AutoScalingGroups[0].Instances), nil
}

func (b *CloudBackend) Scale(ctx context.Context, class string, target int) error {
	_, err := b.asg.SetDesiredCapacityWithContext(ctx, &autoscaling.SetDesiredCapacityInput{
		AutoScalingGroupName: aws.String(b.groupName(class)),
		DesiredCapacity:      aws.Int64(int64(target)),
		HonorCooldown:        aws.Bool(false),
	})
	if err != nil {
		return retryableScaleError("cloud", class, err)
	}
	return nil
}
