package kubedriver

import (
	"bufio"
	"context"
	"io"
	"sync"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/klog/v2"

	"github.com/scoutflo/mcp-platform/internal/backend"
	"github.com/scoutflo/mcp-platform/internal/errs"
)

// Logs streams a deployment's log output. With one pod the stream is
// passed through untouched; with several, lines from every replica are
// merged into a single stream, each prefixed with its pod name so the
// reader can tell replicas apart. Cancelling ctx unblocks follow streams.
func (d *Driver) Logs(ctx context.Context, deploymentID string, opts backend.LogOptions) (io.ReadCloser, error) {
	pods, err := d.clientset.CoreV1().Pods(d.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: backend.LabelDeployment + "=" + deploymentID,
	})
	if err != nil {
		return nil, errs.Backend("pod_list", err)
	}
	if len(pods.Items) == 0 {
		return nil, errs.DeploymentNotFound(deploymentID)
	}

	logOpts := &corev1.PodLogOptions{Follow: opts.Follow}
	if opts.Lines > 0 {
		lines := int64(opts.Lines)
		logOpts.TailLines = &lines
	}
	if !opts.Since.IsZero() {
		t := metav1.NewTime(opts.Since)
		logOpts.SinceTime = &t
	}

	if len(pods.Items) == 1 {
		stream, err := d.clientset.CoreV1().Pods(d.namespace).GetLogs(pods.Items[0].Name, logOpts).Stream(ctx)
		if err != nil {
			return nil, errs.Backend("pod_logs", err)
		}
		return stream, nil
	}

	return d.aggregateLogs(ctx, pods.Items, logOpts)
}

// aggregateLogs fans per-pod log streams into one pipe, prefixing every
// line with "[pod-name] ". The pipe closes once every replica's stream
// ends (or ctx is cancelled, which tears the per-pod streams down).
func (d *Driver) aggregateLogs(ctx context.Context, pods []corev1.Pod, logOpts *corev1.PodLogOptions) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	var writeMu sync.Mutex
	var wg sync.WaitGroup

	opened := 0
	for i := range pods {
		pod := pods[i]
		stream, err := d.clientset.CoreV1().Pods(d.namespace).GetLogs(pod.Name, logOpts).Stream(ctx)
		if err != nil {
			klog.Warningf("kubernetes: logs for pod %s unavailable: %v", pod.Name, err)
			continue
		}
		opened++
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer stream.Close()
			scanner := bufio.NewScanner(stream)
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			prefix := []byte("[" + pod.Name + "] ")
			for scanner.Scan() {
				writeMu.Lock()
				_, err1 := pw.Write(prefix)
				_, err2 := pw.Write(append(scanner.Bytes(), '\n'))
				writeMu.Unlock()
				if err1 != nil || err2 != nil {
					return // reader closed its end
				}
			}
		}()
	}
	if opened == 0 {
		pw.Close()
		pr.Close()
		return nil, errs.Backend("pod_logs", errNoStreams)
	}

	go func() {
		wg.Wait()
		pw.Close()
	}()
	return pr, nil
}

var errNoStreams = logsErr("no pod produced a log stream")

type logsErr string

func (e logsErr) Error() string { return string(e) }
