package provisioner

import (
	"encoding/base64"
	"fmt"
)

// cloudInitTemplate boots the inbound controller agent inside the VM.
// The remoting jar is fetched from the controller itself so VM images
// never pin a controller version.
const cloudInitTemplate = `#cloud-config
write_files:
  - path: /opt/agent/start.sh
    permissions: "0755"
    content: |
      #!/bin/sh
      set -e
      until curl -fsSL -o /opt/agent/agent.jar %[1]s/jnlpJars/agent.jar; do
        sleep 2
      done
      exec java -jar /opt/agent/agent.jar \
        -url %[1]s \
        -name %[2]s \
        -secret %[3]s \
        -webSocket \
        -noReconnect
runcmd:
  - [ sh, -c, "nohup /opt/agent/start.sh > /var/log/agent-bootstrap.log 2>&1 &" ]
`

// BuildUserData renders the cloud-init user-data for one VM and returns
// it base64 encoded, ready for the VM spec.
func BuildUserData(controllerURL, nodeName, inboundSecret string) string {
	doc := fmt.Sprintf(cloudInitTemplate, controllerURL, nodeName, inboundSecret)
	return base64.StdEncoding.EncodeToString([]byte(doc))
}
