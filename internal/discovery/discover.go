/*
Copyright 2025 The llm-d Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/llm-d/llm-d-reliability-controller/internal/logging"
	"github.com/llm-d/llm-d-reliability-controller/internal/probe"
)

// Discoverer registers and deregisters instances from a pod listing.
// It only deregisters instances it registered itself, so instances
// registered through the ingestion API are left alone.
type Discoverer struct {
	client    client.Client
	registrar Registrar
	namespace string
	selector  labels.Selector
	clock     clock.WithTicker

	mu    sync.Mutex
	owned map[string]struct{}
}

// NewDiscoverer creates a Discoverer for pods in namespace matching selector.
func NewDiscoverer(c client.Client, registrar Registrar, namespace, selector string, clk clock.WithTicker) (*Discoverer, error) {
	if selector == "" {
		return nil, errEmptySelector
	}
	sel, err := labels.Parse(selector)
	if err != nil {
		return nil, fmt.Errorf("parsing selector %q: %w", selector, err)
	}
	return &Discoverer{
		client:    c,
		registrar: registrar,
		namespace: namespace,
		selector:  sel,
		clock:     clk,
		owned:     make(map[string]struct{}),
	}, nil
}

// Sync lists matching pods once and reconciles registrations.
func (d *Discoverer) Sync(ctx context.Context) (SyncResult, error) {
	logger := ctrl.LoggerFrom(ctx)
	var res SyncResult

	pods := &corev1.PodList{}
	if err := d.client.List(ctx, pods,
		client.InNamespace(d.namespace),
		client.MatchingLabelsSelector{Selector: d.selector},
	); err != nil {
		return res, fmt.Errorf("listing pods in %q: %w", d.namespace, err)
	}

	active := make(map[string]struct{}, len(pods.Items))
	for i := range pods.Items {
		pod := &pods.Items[i]
		if !IsActive(pod) {
			continue
		}
		if id := InstanceID(pod); id != "" {
			active[id] = struct{}{}
		}
	}
	res.Active = len(active)

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, id := range sortedKeys(active) {
		if _, ok := d.owned[id]; ok {
			continue
		}
		if err := d.registrar.Register(id); err != nil {
			if errors.Is(err, probe.ErrInstanceFailed) {
				logger.V(logging.DEBUG).Info("Pod identity already failed, waiting for replacement", "instance", id)
			} else {
				logger.Error(err, "Failed to register instance", "instance", id)
			}
			res.Rejected = append(res.Rejected, id)
			continue
		}
		d.owned[id] = struct{}{}
		res.Registered = append(res.Registered, id)
	}

	for _, id := range sortedKeys(d.owned) {
		if _, ok := active[id]; ok {
			continue
		}
		d.registrar.Deregister(id)
		delete(d.owned, id)
		res.Deregistered = append(res.Deregistered, id)
	}

	if len(res.Registered) > 0 || len(res.Deregistered) > 0 {
		logger.Info("Instance discovery synced",
			"active", res.Active,
			"registered", res.Registered,
			"deregistered", res.Deregistered)
	}
	return res, nil
}

// Run syncs immediately and then every interval until ctx is done. Sync
// errors are logged and retried on the next tick.
func (d *Discoverer) Run(ctx context.Context, interval time.Duration) error {
	logger := ctrl.LoggerFrom(ctx).WithValues("namespace", d.namespace, "selector", d.selector.String())
	ctx = ctrl.LoggerInto(ctx, logger)

	ticker := d.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := d.Sync(ctx); err != nil {
			logger.Error(err, "Instance discovery failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		}
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Evict deletes the pods carrying the given instance identity so that their
// controller replaces them. It returns the number of pods deleted.
func (d *Discoverer) Evict(ctx context.Context, instanceID string) (int, error) {
	logger := ctrl.LoggerFrom(ctx).WithValues("instance", instanceID)

	pods := &corev1.PodList{}
	if err := d.client.List(ctx, pods,
		client.InNamespace(d.namespace),
		client.MatchingLabelsSelector{Selector: d.selector},
	); err != nil {
		return 0, fmt.Errorf("listing pods in %q: %w", d.namespace, err)
	}

	deleted := 0
	for i := range pods.Items {
		pod := &pods.Items[i]
		if InstanceID(pod) != instanceID || pod.DeletionTimestamp != nil {
			continue
		}
		if err := d.client.Delete(ctx, pod); client.IgnoreNotFound(err) != nil {
			return deleted, fmt.Errorf("deleting pod %s/%s: %w", pod.Namespace, pod.Name, err)
		}
		deleted++
		logger.Info("Evicted pod of failed instance", "pod", pod.Name)
	}
	return deleted, nil
}
