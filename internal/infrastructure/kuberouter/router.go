// Package kuberouter implements the traffic ports against a Kubernetes
// cluster: Service selector swaps for blue-green cutovers and nginx
// canary-weight annotations for canary traffic splits. The controller
// owns only these routing writes; replica set lifecycle stays external.
package kuberouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"

	"github.com/ljluestc/canary/internal/domain"
)

const (
	// HashSelectorLabel is the pod label routing Services select on.
	// Each replica set's pods carry its hash under this key.
	HashSelectorLabel = "rollout/replica-set-hash"

	canaryAnnotation       = "nginx.ingress.kubernetes.io/canary"
	canaryWeightAnnotation = "nginx.ingress.kubernetes.io/canary-weight"
)

// Router implements [domain.TrafficRouter]. Blue-green runs swap the
// selector of the spec's active Service; canary runs write the weight
// annotation on the spec's canary Ingress and swap the stable Service
// on promotion.
type Router struct {
	Client    kubernetes.Interface
	Namespace string
}

// StableServiceName is the Service fronting stable traffic for a canary
// spec. Blue-green specs name their Services explicitly.
func StableServiceName(spec domain.RolloutSpec) string {
	return string(spec.ID)
}

// CanaryIngressName is the Ingress carrying the nginx canary annotations
// for a canary spec.
func CanaryIngressName(spec domain.RolloutSpec) string {
	return string(spec.ID) + "-canary"
}

// SetWeight routes percent of traffic to the new replica set by writing
// the nginx canary-weight annotation. Writing the same weight twice is
// a no-op at the Ingress level, so retries are safe.
func (r *Router) SetWeight(ctx context.Context, run domain.RolloutRun, percent int) error {
	return r.setCanaryWeight(ctx, run, percent)
}

// Promote shifts all traffic to the new replica set. For blue-green the
// active Service selector jumps to the new hash in one write; for
// canary the stable Service swaps first, then the annotation resets, so
// a failure between the two leaves a converging state to retry.
func (r *Router) Promote(ctx context.Context, run domain.RolloutRun) error {
	if run.Spec.Kind == domain.StrategyBlueGreen {
		bg := run.Spec.BlueGreen
		if err := r.patchServiceSelector(ctx, bg.ActiveService, run.NewRef.Hash); err != nil {
			return err
		}
		if err := r.patchServiceSelector(ctx, bg.PreviewService, run.NewRef.Hash); err != nil {
			return partial(err)
		}
		return nil
	}

	if err := r.patchServiceSelector(ctx, StableServiceName(run.Spec), run.NewRef.Hash); err != nil {
		return err
	}
	if err := r.setCanaryWeight(ctx, run, 0); err != nil {
		return partial(err)
	}
	return nil
}

// Rollback restores all traffic to the stable replica set.
func (r *Router) Rollback(ctx context.Context, run domain.RolloutRun) error {
	if run.Spec.Kind == domain.StrategyBlueGreen {
		return r.patchServiceSelector(ctx, run.Spec.BlueGreen.ActiveService, run.StableRef.Hash)
	}
	return r.setCanaryWeight(ctx, run, 0)
}

func (r *Router) patchServiceSelector(ctx context.Context, name, hash string) error {
	patch, err := json.Marshal(map[string]any{
		"spec": map[string]any{
			"selector": map[string]string{HashSelectorLabel: hash},
		},
	})
	if err != nil {
		return fmt.Errorf("marshal selector patch: %w", err)
	}
	_, err = r.Client.CoreV1().Services(r.Namespace).
		Patch(ctx, name, types.StrategicMergePatchType, patch, metav1.PatchOptions{})
	if err != nil {
		return classify(fmt.Errorf("patch service %q: %w", name, err))
	}
	return nil
}

func (r *Router) setCanaryWeight(ctx context.Context, run domain.RolloutRun, percent int) error {
	name := CanaryIngressName(run.Spec)
	ingresses := r.Client.NetworkingV1().Ingresses(r.Namespace)

	ingress, err := ingresses.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return classify(fmt.Errorf("get ingress %q: %w", name, err))
	}
	if ingress.Annotations == nil {
		ingress.Annotations = map[string]string{}
	}
	ingress.Annotations[canaryAnnotation] = "true"
	ingress.Annotations[canaryWeightAnnotation] = fmt.Sprintf("%d", percent)

	if _, err := ingresses.Update(ctx, ingress, metav1.UpdateOptions{}); err != nil {
		return classify(fmt.Errorf("update ingress %q: %w", name, err))
	}
	return nil
}

// classify maps Kubernetes API failures to the router error taxonomy.
func classify(err error) error {
	if apierrors.IsNotFound(err) || apierrors.IsInvalid(err) {
		return &domain.RouterError{Kind: domain.RouterInvalidTarget, Err: err}
	}
	return &domain.RouterError{Kind: domain.RouterUnreachable, Err: err}
}

// partial marks a failure that happened after an earlier write in the
// same operation succeeded. The caller retries with the same target
// state until the split converges.
func partial(err error) error {
	var re *domain.RouterError
	if errors.As(err, &re) {
		return &domain.RouterError{Kind: domain.RouterPartialApply, Err: re.Err}
	}
	return &domain.RouterError{Kind: domain.RouterPartialApply, Err: err}
}
