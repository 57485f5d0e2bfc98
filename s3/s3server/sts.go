package s3server

import (
	"fmt"
	"net/http"
)

// handleSTS answers STS requests on POST / with the configured static
// credentials. Consoles call this to obtain credentials before signing,
// so it sits outside the SigV4 filter.
func (s *Server) handleSTS(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeError(w, r, errInvalidRequest("cannot parse STS form body"))
		return
	}
	action := r.PostForm.Get("Action")
	s.Logf("s3server: STS request Action=%s", action)

	const expiry = "2099-01-01T00:00:00Z"
	credentials := fmt.Sprintf(`    <Credentials>
      <AccessKeyId>%s</AccessKeyId>
      <SecretAccessKey>%s</SecretAccessKey>
      <SessionToken>objectmail-session-token</SessionToken>
      <Expiration>%s</Expiration>
    </Credentials>`, s.AccessKeyID, s.SecretAccessKey, expiry)

	var body string
	switch action {
	case "GetSessionToken":
		body = fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<GetSessionTokenResponse xmlns="https://sts.amazonaws.com/doc/2011-06-15/">
  <GetSessionTokenResult>
%s
  </GetSessionTokenResult>
  <ResponseMetadata>
    <RequestId>%s</RequestId>
  </ResponseMetadata>
</GetSessionTokenResponse>`, credentials, requestID())
	default:
		// AssumeRole and anything else gets the AssumeRole shape.
		body = fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<AssumeRoleResponse xmlns="https://sts.amazonaws.com/doc/2011-06-15/">
  <AssumeRoleResult>
%s
    <AssumedRoleUser>
      <Arn>arn:aws:iam::000000000000:assumed-role/objectmail/objectmail</Arn>
      <AssumedRoleId>objectmail</AssumedRoleId>
    </AssumedRoleUser>
  </AssumeRoleResult>
  <ResponseMetadata>
    <RequestId>%s</RequestId>
  </ResponseMetadata>
</AssumeRoleResponse>`, credentials, requestID())
	}

	w.Header().Set("Content-Type", "text/xml")
	fmt.Fprint(w, body)
}
