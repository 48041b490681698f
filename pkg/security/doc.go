/*
Package security seals the parameter payload handed to the worker binary.

The worker receives its parameters, which include the server access token,
on the command line. To keep them out of process listings and crash dumps
the JSON payload is encrypted with AES-256 in Galois/Counter Mode under a key
generated for that single invocation:

	payload = base64url(nonce || AES-256-GCM(key, json(params)))
	key     = base64url(random 32 bytes)

Both values are passed as the two positional arguments. The worker calls
OpenArgs (or DecryptPayload directly) to recover the parameters. When debug
payloads are enabled the JSON is only encoded and the key argument is the
literal "plain".

GCM authenticates the ciphertext, so a truncated or altered payload fails
with ErrDecryptFailed instead of yielding garbage.
*/
package security
