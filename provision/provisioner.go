package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	unitNamePrefix = "game-server-"
	appLabel       = "game-server"
	sessionIDLabel = "session_id"
)

// UnitName derives the deterministic compute unit name for a session so that
// duplicate creates and blind deletes by session id converge on one object.
func UnitName(sessionID string) string {
	id := sessionID
	if len(id) > 8 {
		id = id[:8]
	}
	return unitNamePrefix + id
}

// Options configures a Provisioner.
type Options struct {
	Namespace           string
	Image               string
	ContainerPort       int
	ConnectHostOverride string
}

// Provisioner creates and destroys one Deployment plus NodePort Service per
// session and resolves the externally reachable connect address.
type Provisioner struct {
	client        kubernetes.Interface
	namespace     string
	image         string
	containerPort int32
	hostOverride  string

	destroyPolicy     RetryPolicy
	readyPollInterval time.Duration
	readyDeadline     time.Duration
	portReadbackDelay time.Duration
	sleep             func(time.Duration)
}

func New(client kubernetes.Interface, opts Options) *Provisioner {
	ns := opts.Namespace
	if ns == "" {
		ns = "default"
	}
	port := int32(opts.ContainerPort)
	if port == 0 {
		port = 8080
	}
	return &Provisioner{
		client:            client,
		namespace:         ns,
		image:             opts.Image,
		containerPort:     port,
		hostOverride:      opts.ConnectHostOverride,
		destroyPolicy:     DefaultDestroyPolicy(),
		readyPollInterval: 500 * time.Millisecond,
		readyDeadline:     45 * time.Second,
		portReadbackDelay: 500 * time.Millisecond,
		sleep:             time.Sleep,
	}
}

// NewClientset returns a typed clientset using in-cluster config or local kubeconfig.
func NewClientset() (kubernetes.Interface, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return kubernetes.NewForConfig(cfg)
	}
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	clientConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, &clientcmd.ConfigOverrides{})
	cfg, err := clientConfig.ClientConfig()
	if err != nil {
		return nil, err
	}
	return kubernetes.NewForConfig(cfg)
}

func unitLabels(sessionID string) map[string]string {
	return map[string]string{"app": appLabel, sessionIDLabel: sessionID}
}

// Allocate creates the session's compute unit and returns its identity and
// connect address. Idempotent: "already exists" from the API is success. A
// readiness timeout is non-fatal; clients retry their own connects. A zero
// port is the recognizable "not yet available" sentinel.
func (p *Provisioner) Allocate(ctx context.Context, sessionID string, players []string) (unitID, host string, port int, err error) {
	name := UnitName(sessionID)
	log.Info().Str("unit", name).Str("namespace", p.namespace).Str("image", p.image).Msg("provision: creating game server")

	if err := p.createDeployment(ctx, name, sessionID, players); err != nil {
		return "", "", 0, err
	}
	if ok := p.createService(ctx, name, sessionID); !ok {
		return name, "", 0, nil
	}

	port = p.readNodePort(ctx, name)
	host = p.resolveConnectHost(ctx)

	if !p.waitForReady(ctx, sessionID) {
		log.Warn().Str("unit", name).Msg("provision: game server not ready within deadline; clients may need to retry connect")
	}
	return name, host, port, nil
}

func (p *Provisioner) createDeployment(ctx context.Context, name, sessionID string, players []string) error {
	playersJSON, err := json.Marshal(players)
	if err != nil {
		return fmt.Errorf("marshal players: %w", err)
	}
	lbls := unitLabels(sessionID)
	replicas := int32(1)
	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: p.namespace, Labels: lbls},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: lbls},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: lbls},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:            "game-server",
						Image:           p.image,
						ImagePullPolicy: corev1.PullIfNotPresent,
						Ports:           []corev1.ContainerPort{{ContainerPort: p.containerPort}},
						Env: []corev1.EnvVar{
							{Name: "SESSION_ID", Value: sessionID},
							{Name: "PLAYERS", Value: string(playersJSON)},
							{Name: "PORT", Value: fmt.Sprint(p.containerPort)},
						},
					}},
					RestartPolicy: corev1.RestartPolicyAlways,
				},
			},
		},
	}

	_, err = p.client.AppsV1().Deployments(p.namespace).Create(ctx, dep, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		log.Info().Str("unit", name).Msg("provision: deployment already exists")
		return nil
	}
	if err != nil {
		return fmt.Errorf("create deployment %s: %w", name, err)
	}
	return nil
}

// createService reports whether a service exists for the unit afterwards.
func (p *Provisioner) createService(ctx context.Context, name, sessionID string) bool {
	lbls := unitLabels(sessionID)
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: p.namespace, Labels: lbls},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeNodePort,
			Selector: lbls,
			Ports: []corev1.ServicePort{{
				Port:       p.containerPort,
				TargetPort: intstr.FromInt32(p.containerPort),
				Protocol:   corev1.ProtocolTCP,
			}},
		},
	}
	_, err := p.client.CoreV1().Services(p.namespace).Create(ctx, svc, metav1.CreateOptions{})
	if err == nil || apierrors.IsAlreadyExists(err) {
		return true
	}
	log.Warn().Err(err).Str("unit", name).Msg("provision: failed to create service")
	return false
}

func (p *Provisioner) readNodePort(ctx context.Context, name string) int {
	// The API may not reflect the assigned port immediately.
	p.sleep(p.portReadbackDelay)
	svc, err := p.client.CoreV1().Services(p.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		log.Warn().Err(err).Str("unit", name).Msg("provision: node port not yet readable")
		return 0
	}
	if len(svc.Spec.Ports) == 0 {
		return 0
	}
	return int(svc.Spec.Ports[0].NodePort)
}

func (p *Provisioner) resolveConnectHost(ctx context.Context) string {
	if p.hostOverride != "" {
		return p.hostOverride
	}
	nodes, err := p.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		log.Warn().Err(err).Msg("provision: failed to list nodes for connect host")
	} else {
		for _, node := range nodes.Items {
			for _, addr := range node.Status.Addresses {
				if addr.Type == corev1.NodeExternalIP || addr.Type == corev1.NodeInternalIP {
					return addr.Address
				}
			}
		}
	}
	log.Warn().Msg("provision: falling back to localhost connect host; may be unreachable for NodePort clients")
	return "localhost"
}

// waitForReady polls until at least one pod of the session is Running with a
// ready container. Application-level readiness, not just process start.
func (p *Provisioner) waitForReady(ctx context.Context, sessionID string) bool {
	selector := labels.Set(unitLabels(sessionID)).String()
	deadline := time.Now().Add(p.readyDeadline)
	for time.Now().Before(deadline) {
		pods, err := p.client.CoreV1().Pods(p.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
		if err != nil {
			log.Warn().Err(err).Str("sessionId", sessionID).Msg("provision: error while waiting for readiness")
		} else {
			for _, pod := range pods.Items {
				if pod.Status.Phase != corev1.PodRunning {
					continue
				}
				for _, cs := range pod.Status.ContainerStatuses {
					if cs.Ready {
						return true
					}
				}
			}
		}
		p.sleep(p.readyPollInterval)
	}
	return false
}

// Destroy tears down the session's compute unit. The service delete is
// best-effort; the deployment delete retries per policy. "Not found" at any
// point is success, so repeated and concurrent destroys converge.
func (p *Provisioner) Destroy(ctx context.Context, sessionID string) error {
	name := UnitName(sessionID)

	if err := p.client.CoreV1().Services(p.namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		log.Warn().Err(err).Str("unit", name).Msg("provision: failed to delete service")
	}

	propagation := metav1.DeletePropagationForeground
	delOpts := metav1.DeleteOptions{PropagationPolicy: &propagation}
	var lastErr error
	for attempt := 0; attempt < p.destroyPolicy.MaxAttempts; attempt++ {
		err := p.client.AppsV1().Deployments(p.namespace).Delete(ctx, name, delOpts)
		if err == nil {
			log.Info().Str("unit", name).Msg("provision: deleted game server")
			return nil
		}
		if apierrors.IsNotFound(err) {
			log.Info().Str("unit", name).Msg("provision: game server already deleted")
			return nil
		}
		lastErr = err
		if attempt < p.destroyPolicy.MaxAttempts-1 {
			wait := p.destroyPolicy.Backoff(attempt)
			log.Warn().Err(err).Str("unit", name).Int("attempt", attempt+1).Dur("retryIn", wait).Msg("provision: delete failed, retrying")
			p.sleep(wait)
		}
	}
	return fmt.Errorf("delete deployment %s after %d attempts: %w", name, p.destroyPolicy.MaxAttempts, lastErr)
}

// Reconcile destroys units whose session has ended, repairing teardowns that
// failed after the session row was marked. Best-effort per unit; the count
// of removed units is returned even when some fail.
func (p *Provisioner) Reconcile(ctx context.Context, ended func(ctx context.Context, sessionPrefix string) (bool, error)) (int, error) {
	deps, err := p.client.AppsV1().Deployments(p.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labels.Set{"app": appLabel}.String(),
	})
	if err != nil {
		return 0, fmt.Errorf("list game server deployments: %w", err)
	}

	cleaned := 0
	for _, dep := range deps.Items {
		if !strings.HasPrefix(dep.Name, unitNamePrefix) {
			continue
		}
		prefix := strings.TrimPrefix(dep.Name, unitNamePrefix)
		isEnded, err := ended(ctx, prefix)
		if err != nil {
			log.Warn().Err(err).Str("unit", dep.Name).Msg("provision: reconcile session lookup failed")
			continue
		}
		if !isEnded {
			continue
		}
		if err := p.client.CoreV1().Services(p.namespace).Delete(ctx, dep.Name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
			log.Warn().Err(err).Str("unit", dep.Name).Msg("provision: reconcile service delete failed")
		}
		propagation := metav1.DeletePropagationForeground
		if err := p.client.AppsV1().Deployments(p.namespace).Delete(ctx, dep.Name, metav1.DeleteOptions{PropagationPolicy: &propagation}); err != nil && !apierrors.IsNotFound(err) {
			log.Warn().Err(err).Str("unit", dep.Name).Msg("provision: reconcile deployment delete failed")
			continue
		}
		log.Info().Str("unit", dep.Name).Msg("provision: cleaned up orphaned game server")
		cleaned++
	}
	return cleaned, nil
}
