// Charimage turns a user's prompt and a character's stored generation template into
// rendered images produced by a ComfyUI-compatible diffusion backend. It compiles the
// generation graph, submits it, waits for the backend queue to drain, discovers the
// artifact the backend wrote, and files it in durable storage under a collision-free
// sequence number.
package charimage
