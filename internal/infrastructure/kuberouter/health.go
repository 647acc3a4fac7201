package kuberouter

import (
	"context"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/ljluestc/canary/internal/domain"
)

// HealthChecker implements [domain.HealthChecker] against ReplicaSet
// readiness. A replica set that does not exist yet is simply not ready;
// the run stays in Initializing until it appears.
type HealthChecker struct {
	Client    kubernetes.Interface
	Namespace string
}

func (h *HealthChecker) Ready(ctx context.Context, run domain.RolloutRun, ref domain.ReplicaSetRef) (bool, error) {
	rs, err := h.Client.AppsV1().ReplicaSets(h.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("get replica set %q: %w", ref.Name, err)
	}

	want := int32(run.Spec.Replicas)
	if rs.Spec.Replicas != nil {
		want = *rs.Spec.Replicas
	}
	return want > 0 && rs.Status.ReadyReplicas >= want, nil
}
