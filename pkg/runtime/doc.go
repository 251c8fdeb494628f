/*
Package runtime runs a Deploy's container on a local engine.

Two engines implement Runtime:

	DockerRuntime       the Docker Engine via github.com/docker/docker/client (unix, tcp or http host)
	ContainerdRuntime   containerd via its Go client, in the "condo" namespace

Both return a *PullError when an image cannot be fetched and treat a
missing container as already stopped and removed, so stopping a Deploy
twice is harmless. A not-found engine error matches ErrNotFound under
errors.Is.

# Docker endpoints

The client pins the API version from DockerConfig.APIVersion, or negotiates
it with the daemon when unset.

	POST   /images/create?fromImage=&tag=   streamed progress, "error" aborts
	GET    /images/<ref>/json               resolve the image id
	POST   /containers/create?name=
	POST   /containers/<id>/start
	POST   /containers/<id>/stop?t=<seconds>
	DELETE /containers/<id>?force=1&v=1
	GET    /containers/<id>/json            State.Running

# containerd

Containers share the host network namespace; published ports are therefore
the container ports and a differing host_port is logged and ignored. The
"file" log driver with a "path" option writes task output to that file;
other drivers discard it.
*/
package runtime
