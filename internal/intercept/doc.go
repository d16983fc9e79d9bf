// Package intercept hosts the network interception agent. The agent owns one
// named cache bucket, seeds it on install and, once active, answers every
// request made through its RoundTripper from the bucket when possible. Misses
// go to the network and a copy of the response is stored before it is handed
// back. Lifecycle transitions are explicit method calls driven by Registrar.
package intercept
