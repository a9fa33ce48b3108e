package credstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/retry"
)

const secretOpTimeout = 10 * time.Second

// SecretBackend keeps the durable tier in a single Kubernetes Secret, for
// headless deployments whose pods must survive restarts without re-login.
type SecretBackend struct {
	client    kubernetes.Interface
	namespace string
	name      string
}

// NewSecretBackend creates a backend for the Secret name in namespace.
// The name is sanitized to a valid resource name.
func NewSecretBackend(client kubernetes.Interface, namespace, name string) *SecretBackend {
	return &SecretBackend{
		client:    client,
		namespace: namespace,
		name:      sanitizeName(name),
	}
}

// NewKubernetesClient builds a clientset from kubeconfig, or from the
// in-cluster service account when kubeconfig is empty.
func NewKubernetesClient(kubeconfig string) (kubernetes.Interface, error) {
	var (
		cfg *rest.Config
		err error
	)
	if kubeconfig == "" {
		cfg, err = rest.InClusterConfig()
	} else {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load kubernetes config: %w", err)
	}

	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return client, nil
}

// Name returns the sanitized Secret name.
func (s *SecretBackend) Name() string {
	return s.name
}

func (s *SecretBackend) Load(key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), secretOpTimeout)
	defer cancel()

	secret, err := s.client.CoreV1().Secrets(s.namespace).Get(ctx, s.name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get secret: %w", err)
	}
	v, ok := secret.Data[key]
	return string(v), ok, nil
}

func (s *SecretBackend) Save(key, value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), secretOpTimeout)
	defer cancel()

	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		secrets := s.client.CoreV1().Secrets(s.namespace)
		secret, err := secrets.Get(ctx, s.name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			_, err = secrets.Create(ctx, &corev1.Secret{
				ObjectMeta: metav1.ObjectMeta{
					Name:      s.name,
					Namespace: s.namespace,
					Labels: map[string]string{
						"app.kubernetes.io/managed-by": "smartsession",
					},
				},
				Type: corev1.SecretTypeOpaque,
				Data: map[string][]byte{key: []byte(value)},
			}, metav1.CreateOptions{})
			return err
		}
		if err != nil {
			return err
		}

		if secret.Data == nil {
			secret.Data = make(map[string][]byte)
		}
		secret.Data[key] = []byte(value)
		_, err = secrets.Update(ctx, secret, metav1.UpdateOptions{})
		return err
	})
}

func (s *SecretBackend) Delete(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), secretOpTimeout)
	defer cancel()

	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		secrets := s.client.CoreV1().Secrets(s.namespace)
		secret, err := secrets.Get(ctx, s.name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, ok := secret.Data[key]; !ok {
			return nil
		}
		delete(secret.Data, key)
		_, err = secrets.Update(ctx, secret, metav1.UpdateOptions{})
		return err
	})
}

// Take deletes key with an optimistic update, so of two concurrent takers
// only the one whose update wins sees the value.
func (s *SecretBackend) Take(key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), secretOpTimeout)
	defer cancel()

	var (
		value string
		found bool
	)
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		value, found = "", false
		secrets := s.client.CoreV1().Secrets(s.namespace)
		secret, err := secrets.Get(ctx, s.name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		v, ok := secret.Data[key]
		if !ok {
			return nil
		}
		delete(secret.Data, key)
		if _, err := secrets.Update(ctx, secret, metav1.UpdateOptions{}); err != nil {
			return err
		}
		value, found = string(v), true
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to take secret key: %w", err)
	}
	return value, found, nil
}

// sanitizeName converts any string to a valid Kubernetes resource name
// (RFC 1123 subdomain): lowercase alphanumerics, '-' or '.', starting and
// ending with an alphanumeric, at most 63 characters.
func sanitizeName(input string) string {
	var b strings.Builder
	for _, ch := range input {
		switch {
		case (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') || ch == '.':
			b.WriteRune(ch)
		case ch >= 'A' && ch <= 'Z':
			b.WriteRune(ch - 'A' + 'a')
		default:
			b.WriteRune('-')
		}
	}

	name := strings.Trim(b.String(), "-.")
	if len(name) > 63 {
		name = strings.TrimRight(name[:63], "-.")
	}
	if name == "" {
		name = "smartsession"
	}
	return name
}
