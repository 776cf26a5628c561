package kubedriver

import (
	"bytes"
	"context"
	"io"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"
)

// SPDYExecer runs commands inside pods over the API server's exec
// subresource. It needs the rest.Config the clientset was built from,
// which is why Exec support is injected rather than derived.
type SPDYExecer struct {
	clientset  kubernetes.Interface
	restConfig *rest.Config
}

// NewSPDYExecer builds the standard Execer implementation for a cluster.
func NewSPDYExecer(clientset kubernetes.Interface, restConfig *rest.Config) *SPDYExecer {
	return &SPDYExecer{clientset: clientset, restConfig: restConfig}
}

func (e *SPDYExecer) Exec(ctx context.Context, namespace, pod, container string, argv []string, stdin io.Reader) (stdout, stderr []byte, err error) {
	req := e.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(pod).
		Namespace(namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: container,
			Command:   argv,
			Stdin:     stdin != nil,
			Stdout:    true,
			Stderr:    true,
		}, runtime.NewParameterCodec(scheme.Scheme))

	executor, err := remotecommand.NewSPDYExecutor(e.restConfig, "POST", req.URL())
	if err != nil {
		return nil, nil, err
	}

	var outBuf, errBuf bytes.Buffer
	err = executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdin:  stdin,
		Stdout: &outBuf,
		Stderr: &errBuf,
	})
	return outBuf.Bytes(), errBuf.Bytes(), err
}
